// Package pipeline implements the PipelinePlayer façade: the
// streaming-pipeline lifecycle, per-source ingress element attachment,
// buffer pushing, and bus-event dispatch that a MediaPipelineSession drives.
//
// The streaming-media framework's own internals are explicitly out of
// scope; Player only depends on a small Backend interface that a
// concrete adapter satisfies. internal/pipeline/webrtcsink is the one
// shipped here, built on pion/webrtc.
package pipeline

import (
	"sync"

	"rialto/internal/errs"
	"rialto/internal/events"
)

// SourceType distinguishes the media kind a source ingests.
type SourceType int

const (
	SourceAudio SourceType = iota
	SourceVideo
	SourceSubtitle
)

// BusEventType enumerates the pipeline bus messages a Dispatcher polls for:
// the STATE_CHANGED, QOS, EOS, ERROR and WARNING kinds the original's
// GstDispatcherThread filters for, plus ASYNC_DONE (seek completion) and a
// per-source underflow signal.
type BusEventType int

const (
	BusStateChanged BusEventType = iota
	BusQos
	BusEOS
	BusError
	BusWarning
	BusAsyncDone
	BusUnderflow
)

// BusEvent is a single message off the pipeline's bus.
type BusEvent struct {
	Type BusEventType
	// IsPipelineSource is true when the message's source element is the
	// top-level pipeline itself, vs. some child element. The dispatcher
	// drops STATE_CHANGED messages where this is false.
	IsPipelineSource bool
	NewState         events.PlaybackState
	SourceID         int32 // for EOS/ERROR/underflow events scoped to one source
	Message          string
}

// Buffer is a pipeline-ready media sample built by the session's
// Need-Data/Have-Data algorithm from a frame.Segment.
// It owns the protection metadata's referenced key-id/IV/subsample buffers
// so their lifetimes extend to pipeline consumption.
type Buffer struct {
	SourceID    int32
	Data        []byte
	TimestampNs int64
	DurationNs  int64

	ClippingStart uint64
	ClippingEnd   uint64

	Protection *ProtectionMetadata

	// IsFirstPostSeek marks a buffer that must be wrapped in the seek
	// segment so the pipeline applies the correct rate.
	IsFirstPostSeek bool
	SeekRate        float64
}

// ProtectionMetadata carries the DRM parameters a decryptor consumes
//.
type ProtectionMetadata struct {
	KeyID              []byte
	InitVector         []byte
	SubSamples         []SubSample
	MediaKeySessionID  string
	InitWithLast15     bool
	CipherMode         string
	Crypt, Skip        uint32
	DecryptionServiceRef interface{}
}

// SubSample mirrors frame.SubSample without importing that package, to
// keep pipeline decoupled from the shm wire format.
type SubSample struct {
	ClearBytes     uint16
	EncryptedBytes uint32
}

// Caps are the codec-specific attributes attached to an ingress element
//.
type Caps struct {
	MimeType   string
	SampleRate int
	Channels   int
	Width      int
	Height     int
	FrameRate  float64
	CodecData  []byte
}

// Backend is the minimal contract a concrete streaming-framework adapter
// must satisfy. All calls are made from the owning session's MainThread
// except Bus, which the Dispatcher polls from its own thread.
type Backend interface {
	// AttachSource creates (or, if reuse is true, reconfigures in place)
	// the ingress element for sourceType with the given caps, returning an
	// opaque handle used by PushBuffer/EndOfStream/Flush.
	AttachSource(sourceType SourceType, caps Caps, reuse bool) (handle int64, err error)
	UpdateCaps(handle int64, caps Caps) error
	RemoveSource(handle int64) error

	SetState(state events.PlaybackState) error
	PushBuffer(handle int64, buf Buffer) error
	EndOfStream(handle int64) error
	Flush(handle int64, resetTime bool) error

	Seek(positionNs int64, rate float64) error
	SetPlaybackRate(rate float64) error
	RenderFrame() error

	SetVolume(level float64) error
	GetVolume() (float64, error)
	SetMute(sourceType SourceType, muted bool) error
	GetMute(sourceType SourceType) (bool, error)

	// PositionNs returns the current playback position, read directly off
	// the pipeline's own internal locks.
	PositionNs() (int64, error)

	// SetVideoWindow positions the video sink's output rectangle.
	SetVideoWindow(x, y, width, height uint32) error

	// SetSourcePosition seeks a single source's ingress element without a
	// full pipeline seek, used when only one of several sources needs to
	// resynchronize.
	SetSourcePosition(sourceType SourceType, positionNs int64) error

	// ProcessAudioGap tells the audio sink about a discontinuity in the
	// incoming stream so it can insert silence instead of underflowing.
	ProcessAudioGap(positionNs int64, durationNs int64, discontinuityGapNs int64, audioAac bool) error

	// Stats reports the sink's rendered/dropped frame counters for
	// sourceType.
	Stats(sourceType SourceType) (rendered, dropped uint64, err error)

	// Bus delivers pipeline bus messages; the Dispatcher polls it with a
	// bounded timeout.
	Bus() <-chan BusEvent

	Close() error
}

// Player is the per-session PipelinePlayer façade. It owns a
// Backend and tracks the small amount of state needed to translate bus
// events and caps updates without leaking the backend's own internal
// representation across the RPC boundary.
type Player struct {
	mu      sync.Mutex
	backend Backend
	state   events.PlaybackState
	caps    map[SourceType]Caps
}

// New wraps backend in a Player, starting in the IDLE state.
func New(backend Backend) *Player {
	return &Player{backend: backend, state: events.PlaybackIdle, caps: make(map[SourceType]Caps)}
}

func (p *Player) State() events.PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) setState(s events.PlaybackState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// AttachSource attaches or reconfigures an ingress element for sourceType.
// When switchSource is true and caps for this sourceType were already
// recorded, the caps are updated in place on the existing element instead
// of creating a new one.
func (p *Player) AttachSource(sourceType SourceType, caps Caps, switchSource bool) (int64, error) {
	p.mu.Lock()
	_, existing := p.caps[sourceType]
	p.mu.Unlock()

	reuse := switchSource && existing
	handle, err := p.backend.AttachSource(sourceType, caps, reuse)
	if err != nil {
		return 0, errs.Wrap(errs.PipelineFailure, err)
	}
	p.mu.Lock()
	p.caps[sourceType] = caps
	p.mu.Unlock()
	return handle, nil
}

// UpdateCaps pushes new caps to an already-attached source, but only if
// they actually differ.
func (p *Player) UpdateCaps(handle int64, sourceType SourceType, caps Caps) error {
	p.mu.Lock()
	current, ok := p.caps[sourceType]
	p.mu.Unlock()
	if ok && current == caps {
		return nil
	}
	if err := p.backend.UpdateCaps(handle, caps); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	p.mu.Lock()
	p.caps[sourceType] = caps
	p.mu.Unlock()
	return nil
}

func (p *Player) RemoveSource(handle int64) error {
	if err := p.backend.RemoveSource(handle); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

// SetState requests a pipeline state transition. The caller (Session)
// publishes the resulting PlaybackStateChangeEvent once the bus confirms
// it; SetState itself only updates the façade's cached state on success so
// State() reflects what was last successfully requested.
func (p *Player) SetState(state events.PlaybackState) error {
	if err := p.backend.SetState(state); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	p.setState(state)
	return nil
}

func (p *Player) PushBuffer(handle int64, buf Buffer) error {
	if err := p.backend.PushBuffer(handle, buf); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

func (p *Player) EndOfStream(handle int64) error {
	if err := p.backend.EndOfStream(handle); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

func (p *Player) Flush(handle int64, resetTime bool) error {
	if err := p.backend.Flush(handle, resetTime); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

func (p *Player) Seek(positionNs int64, rate float64) error {
	if err := p.backend.Seek(positionNs, rate); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

func (p *Player) SetPlaybackRate(rate float64) error {
	if err := p.backend.SetPlaybackRate(rate); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

func (p *Player) RenderFrame() error {
	if err := p.backend.RenderFrame(); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

func (p *Player) SetVolume(level float64) error {
	if err := p.backend.SetVolume(level); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

func (p *Player) GetVolume() (float64, error) {
	v, err := p.backend.GetVolume()
	if err != nil {
		return 0, errs.Wrap(errs.PipelineFailure, err)
	}
	return v, nil
}

func (p *Player) SetMute(sourceType SourceType, muted bool) error {
	if err := p.backend.SetMute(sourceType, muted); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

func (p *Player) GetMute(sourceType SourceType) (bool, error) {
	m, err := p.backend.GetMute(sourceType)
	if err != nil {
		return false, errs.Wrap(errs.PipelineFailure, err)
	}
	return m, nil
}

func (p *Player) PositionNs() (int64, error) {
	pos, err := p.backend.PositionNs()
	if err != nil {
		return 0, errs.Wrap(errs.PipelineFailure, err)
	}
	return pos, nil
}

func (p *Player) SetVideoWindow(x, y, width, height uint32) error {
	if err := p.backend.SetVideoWindow(x, y, width, height); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

func (p *Player) SetSourcePosition(sourceType SourceType, positionNs int64) error {
	if err := p.backend.SetSourcePosition(sourceType, positionNs); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

func (p *Player) ProcessAudioGap(positionNs, durationNs, discontinuityGapNs int64, audioAac bool) error {
	if err := p.backend.ProcessAudioGap(positionNs, durationNs, discontinuityGapNs, audioAac); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

func (p *Player) Stats(sourceType SourceType) (rendered, dropped uint64, err error) {
	rendered, dropped, err = p.backend.Stats(sourceType)
	if err != nil {
		return 0, 0, errs.Wrap(errs.PipelineFailure, err)
	}
	return rendered, dropped, nil
}

func (p *Player) Bus() <-chan BusEvent { return p.backend.Bus() }

func (p *Player) Close() error { return p.backend.Close() }
