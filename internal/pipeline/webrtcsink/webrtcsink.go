// Package webrtcsink is the concrete pipeline.Backend shipped with this
// engine: it terminates each session's media as a WebRTC peer connection
// rather than a literal streaming-framework pipeline, reusing
// TrackLocalStaticSample.WriteSample as the "push buffer into ingress
// element" primitive.
package webrtcsink

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"rialto/internal/errs"
	"rialto/internal/events"
	"rialto/internal/pipeline"
)

// track bundles the webrtc track with the handle it was allocated under
// and the caps it was created from.
type track struct {
	handle int64
	local  *webrtc.TrackLocalStaticSample
	caps   pipeline.Caps
}

// Backend implements pipeline.Backend on top of a single *webrtc.PeerConnection.
type Backend struct {
	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	tracks   map[pipeline.SourceType]*track
	nextID   int64
	state    events.PlaybackState
	volume   float64
	muted    map[pipeline.SourceType]bool
	rate     float64
	position int64
	bus      chan pipeline.BusEvent

	videoWindow struct{ x, y, width, height uint32 }
	stats       map[pipeline.SourceType]struct{ rendered, dropped uint64 }
}

// New creates a Backend with a fresh PeerConnection built from a
// MediaEngine registered for H264 video and Opus audio.
func New() (*Backend, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errs.Wrap(errs.PipelineFailure, err)
	}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errs.Wrap(errs.PipelineFailure, err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, errs.Wrap(errs.PipelineFailure, err)
	}

	b := &Backend{
		pc:     pc,
		tracks: make(map[pipeline.SourceType]*track),
		muted:  make(map[pipeline.SourceType]bool),
		volume: 1.0,
		rate:   1.0,
		bus:    make(chan pipeline.BusEvent, 64),
		stats:  make(map[pipeline.SourceType]struct{ rendered, dropped uint64 }),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			b.emit(pipeline.BusEvent{Type: pipeline.BusError, Message: "peer connection failed"})
		case webrtc.PeerConnectionStateClosed:
			b.emit(pipeline.BusEvent{Type: pipeline.BusEOS})
		}
	})

	return b, nil
}

func (b *Backend) emit(ev pipeline.BusEvent) {
	select {
	case b.bus <- ev:
	default:
		// bus is a bounded buffer; a stalled dispatcher must not block the
		// peer connection's own callback goroutines.
	}
}

func capsToCapability(sourceType pipeline.SourceType, caps pipeline.Caps) webrtc.RTPCodecCapability {
	if sourceType == pipeline.SourceAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
	}
}

func trackID(sourceType pipeline.SourceType) string {
	switch sourceType {
	case pipeline.SourceAudio:
		return "audio"
	case pipeline.SourceVideo:
		return "video"
	default:
		return "subtitle"
	}
}

func (b *Backend) AttachSource(sourceType pipeline.SourceType, caps pipeline.Caps, reuse bool) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if reuse {
		if t, ok := b.tracks[sourceType]; ok {
			t.caps = caps
			return t.handle, nil
		}
	}

	if sourceType == pipeline.SourceSubtitle {
		// Subtitles have no WebRTC media track counterpart; the handle
		// still exists so the session can address them uniformly.
		b.nextID++
		b.tracks[sourceType] = &track{handle: b.nextID, caps: caps}
		return b.nextID, nil
	}

	local, err := webrtc.NewTrackLocalStaticSample(capsToCapability(sourceType, caps), trackID(sourceType), "rialto")
	if err != nil {
		return 0, errs.Wrap(errs.PipelineFailure, err)
	}
	if _, err := b.pc.AddTrack(local); err != nil {
		return 0, errs.Wrap(errs.PipelineFailure, err)
	}

	b.nextID++
	b.tracks[sourceType] = &track{handle: b.nextID, local: local, caps: caps}
	return b.nextID, nil
}

func (b *Backend) UpdateCaps(handle int64, caps pipeline.Caps) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tracks {
		if t.handle == handle {
			t.caps = caps
			return nil
		}
	}
	return errs.New(errs.UnknownID, "no source attached for handle")
}

func (b *Backend) RemoveSource(handle int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for st, t := range b.tracks {
		if t.handle == handle {
			delete(b.tracks, st)
			return nil
		}
	}
	return errs.New(errs.UnknownID, "no source attached for handle")
}

func (b *Backend) SetState(state events.PlaybackState) error {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
	b.emit(pipeline.BusEvent{Type: pipeline.BusStateChanged, IsPipelineSource: true, NewState: state})
	return nil
}

func (b *Backend) findTrack(handle int64) *track {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tracks {
		if t.handle == handle {
			return t
		}
	}
	return nil
}

func (b *Backend) PushBuffer(handle int64, buf pipeline.Buffer) error {
	t := b.findTrack(handle)
	if t == nil {
		return errs.New(errs.UnknownID, "no source attached for handle")
	}
	if t.local == nil {
		// subtitle source: data is delivered out of band, nothing to write
		// into a WebRTC track.
		return nil
	}
	sample := media.Sample{
		Data:     buf.Data,
		Duration: time.Duration(buf.DurationNs),
	}
	sourceType := sourceTypeForTrack(t)
	if err := t.local.WriteSample(sample); err != nil {
		b.bumpStats(sourceType, false)
		return errs.Wrap(errs.PipelineFailure, err)
	}
	b.bumpStats(sourceType, true)
	b.mu.Lock()
	b.position = buf.TimestampNs
	b.mu.Unlock()
	return nil
}

func sourceTypeForTrack(t *track) pipeline.SourceType {
	if t.local != nil && t.local.Kind().String() == "audio" {
		return pipeline.SourceAudio
	}
	return pipeline.SourceVideo
}

func (b *Backend) bumpStats(sourceType pipeline.SourceType, rendered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats[sourceType]
	if rendered {
		s.rendered++
	} else {
		s.dropped++
	}
	b.stats[sourceType] = s
}

func (b *Backend) EndOfStream(handle int64) error {
	if b.findTrack(handle) == nil {
		return errs.New(errs.UnknownID, "no source attached for handle")
	}
	b.emit(pipeline.BusEvent{Type: pipeline.BusEOS})
	return nil
}

func (b *Backend) Flush(handle int64, resetTime bool) error {
	if b.findTrack(handle) == nil {
		return errs.New(errs.UnknownID, "no source attached for handle")
	}
	if resetTime {
		b.mu.Lock()
		b.position = 0
		b.mu.Unlock()
	}
	return nil
}

// Seek has no decoder buffers to flush in a WebRTC sink; it applies the
// new position/rate immediately and reports completion on the bus so a
// caller waiting on async seek-done sees a real round trip.
func (b *Backend) Seek(positionNs int64, rate float64) error {
	b.mu.Lock()
	b.position = positionNs
	b.rate = rate
	b.mu.Unlock()
	b.emit(pipeline.BusEvent{Type: pipeline.BusAsyncDone})
	return nil
}

func (b *Backend) SetPlaybackRate(rate float64) error {
	b.mu.Lock()
	b.rate = rate
	b.mu.Unlock()
	return nil
}

func (b *Backend) RenderFrame() error {
	return nil
}

func (b *Backend) SetVolume(level float64) error {
	b.mu.Lock()
	b.volume = level
	b.mu.Unlock()
	return nil
}

func (b *Backend) GetVolume() (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.volume, nil
}

func (b *Backend) SetMute(sourceType pipeline.SourceType, muted bool) error {
	b.mu.Lock()
	b.muted[sourceType] = muted
	b.mu.Unlock()
	return nil
}

func (b *Backend) GetMute(sourceType pipeline.SourceType) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.muted[sourceType], nil
}

func (b *Backend) PositionNs() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position, nil
}

// SetVideoWindow positions the video sink's output rectangle. There is no
// physical display surface behind a WebRTC track, so this only records the
// requested rectangle; nothing reads it back.
func (b *Backend) SetVideoWindow(x, y, width, height uint32) error {
	b.mu.Lock()
	b.videoWindow = struct{ x, y, width, height uint32 }{x, y, width, height}
	b.mu.Unlock()
	return nil
}

// SetSourcePosition seeks a single source without touching the others. A
// WebRTC sink has no per-track decoder buffer to flush independently, so
// this only updates the tracked position, and only for non-audio sources;
// an audio source leaves it unchanged.
func (b *Backend) SetSourcePosition(sourceType pipeline.SourceType, positionNs int64) error {
	if sourceType != pipeline.SourceAudio {
		b.mu.Lock()
		b.position = positionNs
		b.mu.Unlock()
	}
	return nil
}

// ProcessAudioGap has no decoder-level silence-insertion primitive in a
// WebRTC sink; it is accepted as a no-op so session-level bookkeeping
// stays consistent with the pipeline.Backend contract.
func (b *Backend) ProcessAudioGap(positionNs, durationNs, discontinuityGapNs int64, audioAac bool) error {
	return nil
}

// Stats reports WriteSample-level rendered/dropped counters, standing in
// for the sink element's "rendered"/"dropped" properties.
func (b *Backend) Stats(sourceType pipeline.SourceType) (rendered, dropped uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats[sourceType]
	return s.rendered, s.dropped, nil
}

func (b *Backend) Bus() <-chan pipeline.BusEvent { return b.bus }

func (b *Backend) Close() error {
	if err := b.pc.Close(); err != nil {
		return errs.Wrap(errs.PipelineFailure, err)
	}
	return nil
}

// PeerConnection exposes the underlying connection so the session's
// signalling path (SDP offer/answer exchange) can drive it directly; the
// Backend interface itself stays signalling-agnostic.
func (b *Backend) PeerConnection() *webrtc.PeerConnection { return b.pc }
