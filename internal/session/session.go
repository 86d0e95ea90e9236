// Package session implements MediaPipelineSession, the
// per-session façade that validates RPC calls, serializes them onto a
// MainThread, and drives a PipelinePlayer through the Need-Data/Have-Data
// demand-pull protocol.
package session

import (
	"go.uber.org/zap"

	"rialto/internal/dispatcher"
	"rialto/internal/errs"
	"rialto/internal/events"
	"rialto/internal/frame"
	"rialto/internal/heartbeat"
	"rialto/internal/mainthread"
	"rialto/internal/pipeline"
	"rialto/internal/shm"
)

// HaveDataStatus is the client's report on a NeedData round.
type HaveDataStatus int

const (
	StatusOK HaveDataStatus = iota
	StatusEOS
	StatusError
)

// MediaSourceInput is the client-supplied description passed to
// AttachSource.
type MediaSourceInput struct {
	Type         pipeline.SourceType
	MimeType     string
	Caps         pipeline.Caps
	SwitchSource bool
}

// sourceRecord tracks one attached source's pipeline handle and in-flight
// need-data state. Touched only on the session's MainThread.
type sourceRecord struct {
	sourceID     int32
	sourceType   pipeline.SourceType
	mimeType     string
	caps         pipeline.Caps
	appSrcHandle int64

	needDataPending   bool
	outstanding       *needDataRequest
	underflowOccurred bool
	dataPushed        bool
	removed           bool

	buffers []pipeline.Buffer
}

type needDataRequest struct {
	requestID  uint32
	sourceID   int32
	frameCount uint32
}

// Session is MediaPipelineSession.
type Session struct {
	id                  int32
	client              events.WeakClient
	maxWidth, maxHeight int32

	mainThread *mainthread.MainThread
	clientID   mainthread.ClientID

	pipeline   *pipeline.Player
	dispatcher *dispatcher.Dispatcher
	shmBuf     *shm.Buffer

	log *zap.Logger

	state        events.PlaybackState
	playbackRate float64
	pendingRate  *float64

	nextSourceID  int32
	nextRequestID uint32
	sources       map[int32]*sourceRecord

	bufferedFired bool

	// Tuning knobs named in the RPC surface. Their setters store the value
	// on the MainThread; no method reads them back and none of them is
	// applied to the pipeline.
	immediateOutput bool
	lowLatency      bool
	syncEnabled     bool
	streamSyncMode  int32
	bufferingLimit  uint32
	useBuffering    bool
}

// New creates a session bound to sessionID, maps its shared-memory
// partition, and starts its MainThread and bus dispatcher. client must be a
// pointer the caller retains strongly for the session's lifetime (see
// events.NewWeakClient) — PlaybackService retains one per session id.
func New(sessionID int32, client *events.Client, maxWidth, maxHeight int32, backend pipeline.Backend, shmBuf *shm.Buffer, log *zap.Logger) (*Session, error) {
	if err := shmBuf.MapPartition(shm.Playback, sessionID); err != nil {
		return nil, err
	}

	s := &Session{
		id:           sessionID,
		client:       events.NewWeakClient(client),
		maxWidth:     maxWidth,
		maxHeight:    maxHeight,
		mainThread:   mainthread.New(),
		pipeline:     pipeline.New(backend),
		shmBuf:       shmBuf,
		log:          log,
		state:        events.PlaybackIdle,
		playbackRate: 1.0,
		sources:      make(map[int32]*sourceRecord),
		syncEnabled:  true,
	}
	s.clientID = s.mainThread.RegisterClient()
	s.dispatcher = dispatcher.New(backend.Bus(), dispatcher.HandlerFunc(s.HandleBusEvent), log)
	return s, nil
}

// Load resets the session to IDLE and notifies the client of NetworkState
// BUFFERING. It does not configure the pipeline; mimeType and url are not
// used.
func (s *Session) Load(mimeType, url string) error {
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		s.state = events.PlaybackIdle
		s.client.NotifyNetworkStateChange(events.NetworkStateChangeEvent{SessionID: s.id, State: events.NetworkBuffering})
	})
	return nil
}

// AttachSource allocates a fresh sourceId and records the source, or
// reuses an existing source's pipeline handle when SwitchSource is set.
func (s *Session) AttachSource(in MediaSourceInput) (int32, error) {
	var sourceID int32
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		var existing *sourceRecord
		for _, rec := range s.sources {
			if rec.sourceType == in.Type && !rec.removed {
				existing = rec
				break
			}
		}

		reuse := in.SwitchSource && existing != nil
		handle, err := s.pipeline.AttachSource(in.Type, in.Caps, reuse)
		if err != nil {
			outErr = err
			return
		}

		if reuse {
			existing.mimeType = in.MimeType
			existing.caps = in.Caps
			sourceID = existing.sourceID
			return
		}

		s.nextSourceID++
		id := s.nextSourceID
		s.sources[id] = &sourceRecord{
			sourceID:     id,
			sourceType:   in.Type,
			mimeType:     in.MimeType,
			caps:         in.Caps,
			appSrcHandle: handle,
		}
		sourceID = id
	})
	if outErr != nil {
		return 0, outErr
	}
	return sourceID, nil
}

// RemoveSource frees queued buffers and signals end-of-stream to the
// ingress element.
func (s *Session) RemoveSource(sourceID int32) error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		rec, ok := s.sources[sourceID]
		if !ok {
			outErr = errs.New(errs.UnknownID, "no such source")
			return
		}
		rec.buffers = nil
		rec.removed = true
		if err := s.pipeline.EndOfStream(rec.appSrcHandle); err != nil {
			outErr = err
			return
		}
		if err := s.pipeline.RemoveSource(rec.appSrcHandle); err != nil {
			outErr = err
		}
	})
	return outErr
}

// AllSourcesAttached runs an empty task on the MainThread and returns.
// AttachSource does not refuse sources attached after this call.
func (s *Session) AllSourcesAttached() error {
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {})
	return nil
}

func (s *Session) requestNeedData(rec *sourceRecord) {
	if rec.removed || rec.outstanding != nil {
		return
	}
	s.nextRequestID++
	frameCount := uint32(24)
	if s.state == events.PlaybackPaused {
		frameCount = 3
	}
	req := &needDataRequest{requestID: s.nextRequestID, sourceID: rec.sourceID, frameCount: frameCount}
	rec.outstanding = req
	rec.needDataPending = true

	shmSourceType := shm.SourceType(rec.sourceType)
	offset, err := s.shmBuf.GetDataOffset(shm.Playback, s.id, shmSourceType)
	if err != nil {
		s.log.Error("need-data shm offset lookup failed", zap.Error(err))
		return
	}
	maxLen := s.shmBuf.GetMaxDataLen(shm.Playback, shmSourceType)

	s.client.NotifyNeedMediaData(events.NeedMediaDataEvent{
		SessionID:  s.id,
		SourceID:   rec.sourceID,
		FrameCount: frameCount,
		RequestID:  req.requestID,
		Shm: events.ShmInfo{
			MaxMetadataBytes: maxLen,
			MetadataOffset:   offset,
			MediaDataOffset:  offset,
			MaxMediaBytes:    maxLen,
		},
	})
}

func (s *Session) requestNeedDataForAllSources() {
	for _, rec := range s.sources {
		s.requestNeedData(rec)
	}
}

// Play requests a transition to PLAYING.
func (s *Session) Play() error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		if err := s.pipeline.SetState(events.PlaybackPlaying); err != nil {
			s.fail(err)
			outErr = err
			return
		}
		s.state = events.PlaybackPlaying
		if s.pendingRate != nil {
			rate := *s.pendingRate
			s.pendingRate = nil
			_ = s.pipeline.SetPlaybackRate(rate)
			s.playbackRate = rate
		}
		s.requestNeedDataForAllSources()
	})
	return outErr
}

// Pause requests a transition to PAUSED.
func (s *Session) Pause() error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		if err := s.pipeline.SetState(events.PlaybackPaused); err != nil {
			s.fail(err)
			outErr = err
			return
		}
		s.state = events.PlaybackPaused
		s.requestNeedDataForAllSources()
	})
	return outErr
}

// Stop clears need-data flags and requests a transition to STOPPED.
func (s *Session) Stop() error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		for _, rec := range s.sources {
			rec.needDataPending = false
			rec.outstanding = nil
		}
		if err := s.pipeline.SetState(events.PlaybackStopped); err != nil {
			s.fail(err)
			outErr = err
			return
		}
		s.state = events.PlaybackStopped
	})
	return outErr
}

// SetPosition issues a flushing seek.
func (s *Session) SetPosition(positionNs int64) error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		s.state = events.PlaybackSeeking
		s.client.NotifyPlaybackStateChange(events.PlaybackStateChangeEvent{SessionID: s.id, State: events.PlaybackSeeking})

		for _, rec := range s.sources {
			rec.needDataPending = false
			rec.outstanding = nil
			rec.underflowOccurred = false
		}

		if err := s.pipeline.Seek(positionNs, s.playbackRate); err != nil {
			s.fail(err)
			outErr = err
		}
	})
	return outErr
}

// SetPlaybackRate applies instantly if PLAYING, otherwise queues the rate
// for the next transition into PLAYING.
func (s *Session) SetPlaybackRate(rate float64) error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		if s.state == events.PlaybackPlaying {
			if err := s.pipeline.SetPlaybackRate(rate); err != nil {
				outErr = err
				return
			}
			s.playbackRate = rate
			return
		}
		s.pendingRate = &rate
	})
	return outErr
}

// HaveData is the data-push path.
func (s *Session) HaveData(sourceID int32, requestID uint32, numFrames int, status HaveDataStatus) error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		rec, ok := s.sources[sourceID]
		if !ok {
			outErr = errs.New(errs.UnknownID, "no such source")
			return
		}
		if rec.outstanding == nil || rec.outstanding.requestID != requestID {
			outErr = errs.New(errs.StaleHaveData, "haveData requestId does not match outstanding NeedData")
			return
		}
		rec.outstanding = nil
		rec.needDataPending = false

		if status == StatusOK && numFrames > 0 {
			s.pushFrames(rec, numFrames)
		}
		if status == StatusEOS {
			if err := s.pipeline.EndOfStream(rec.appSrcHandle); err != nil {
				s.fail(err)
			}
			return
		}
		// StatusError and a still-hungry source both loop back to a fresh
		// NeedData so playback stays recoverable.
		s.requestNeedData(rec)
	})
	return outErr
}

func (s *Session) pushFrames(rec *sourceRecord, numFrames int) {
	shmSourceType := shm.SourceType(rec.sourceType)
	offset, err := s.shmBuf.GetDataOffset(shm.Playback, s.id, shmSourceType)
	if err != nil {
		s.log.Error("have-data shm offset lookup failed", zap.Error(err))
		return
	}
	maxLen := s.shmBuf.GetMaxDataLen(shm.Playback, shmSourceType)
	slot, err := s.shmBuf.Slice(offset, maxLen)
	if err != nil {
		s.log.Error("have-data shm slice failed", zap.Error(err))
		return
	}

	segments, err := frame.NewReader(slot).ReadN(numFrames)
	if err != nil {
		s.log.Error("have-data frame read failed", zap.Error(err))
		return
	}
	if len(segments) < numFrames {
		s.log.Warn("have-data read fewer segments than requested; corrupt segments are dropped",
			zap.Int("requested", numFrames), zap.Int("parsed", len(segments)))
	}

	for _, seg := range segments {
		buf := pipeline.Buffer{
			SourceID:      seg.SourceID,
			Data:          seg.Data,
			TimestampNs:   seg.TimestampNs,
			DurationNs:    seg.DurationNs,
			ClippingStart: seg.ClippingStart,
			ClippingEnd:   seg.ClippingEnd,
		}
		if seg.IsEncrypted {
			subs := make([]pipeline.SubSample, len(seg.SubSamples))
			for i, ss := range seg.SubSamples {
				subs[i] = pipeline.SubSample{ClearBytes: ss.ClearBytes, EncryptedBytes: ss.EncryptedBytes}
			}
			buf.Protection = &pipeline.ProtectionMetadata{
				KeyID:             seg.KeyID,
				InitVector:        seg.InitVector,
				SubSamples:        subs,
				MediaKeySessionID: seg.MediaKeySessionID,
				InitWithLast15:    seg.InitWithLast15,
				CipherMode:        seg.CipherMode,
				Crypt:             seg.Pattern.Crypt,
				Skip:              seg.Pattern.Skip,
			}
		}
		if err := s.pipeline.PushBuffer(rec.appSrcHandle, buf); err != nil {
			s.fail(err)
			return
		}
		rec.dataPushed = true
	}

	s.maybeFireBuffered()
}

// maybeFireBuffered publishes NetworkState=BUFFERED the first time every
// attached, non-removed source has pushed its first data.
func (s *Session) maybeFireBuffered() {
	if s.bufferedFired || len(s.sources) == 0 {
		return
	}
	for _, rec := range s.sources {
		if !rec.removed && !rec.dataPushed {
			return
		}
	}
	s.bufferedFired = true
	s.client.NotifyNetworkStateChange(events.NetworkStateChangeEvent{SessionID: s.id, State: events.NetworkBuffered})
}

// Flush returns async=true immediately; SourceFlushedEvent and a fresh
// NeedMediaData arrive afterward, in that order.
func (s *Session) Flush(sourceID int32, resetTime bool) (bool, error) {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		rec, ok := s.sources[sourceID]
		if !ok {
			outErr = errs.New(errs.UnknownID, "no such source")
			return
		}
		rec.buffers = nil
		rec.outstanding = nil
		rec.needDataPending = false

		if err := s.pipeline.Flush(rec.appSrcHandle, resetTime); err != nil {
			outErr = err
			return
		}

		s.mainThread.EnqueueTask(s.clientID, func() {
			s.client.NotifySourceFlushed(events.SourceFlushedEvent{SessionID: s.id, SourceID: sourceID})
			if r, ok := s.sources[sourceID]; ok {
				s.requestNeedData(r)
			}
		})
	})
	if outErr != nil {
		return false, outErr
	}
	return true, nil
}

// RenderFrame displays a still frame from PAUSED.
func (s *Session) RenderFrame() error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		outErr = s.pipeline.RenderFrame()
	})
	return outErr
}

// SetVolume delegates to the pipeline's stream-volume interface.
func (s *Session) SetVolume(level float64) error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		outErr = s.pipeline.SetVolume(level)
	})
	return outErr
}

// GetVolume reads directly off the pipeline.
func (s *Session) GetVolume() (float64, error) { return s.pipeline.GetVolume() }

func (s *Session) SetMute(sourceType pipeline.SourceType, muted bool) error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		outErr = s.pipeline.SetMute(sourceType, muted)
	})
	return outErr
}

func (s *Session) GetMute(sourceType pipeline.SourceType) (bool, error) {
	return s.pipeline.GetMute(sourceType)
}

// PositionNs reads the current playback position without marshalling onto
// the MainThread.
func (s *Session) PositionNs() (int64, error) { return s.pipeline.PositionNs() }

// SetVideoWindow positions the video sink's output rectangle.
func (s *Session) SetVideoWindow(x, y, width, height uint32) error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		outErr = s.pipeline.SetVideoWindow(x, y, width, height)
	})
	return outErr
}

// SetSourcePosition re-synchronizes a single source's ingress element to
// positionNs without a full session seek.
func (s *Session) SetSourcePosition(sourceID int32, positionNs int64) error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		rec, ok := s.sources[sourceID]
		if !ok {
			outErr = errs.New(errs.UnknownID, "no such source")
			return
		}
		outErr = s.pipeline.SetSourcePosition(rec.sourceType, positionNs)
	})
	return outErr
}

// ProcessAudioGap tells the audio sink about a stream discontinuity so it
// can insert silence instead of underflowing.
func (s *Session) ProcessAudioGap(positionNs, durationNs, discontinuityGapNs int64, audioAac bool) error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		outErr = s.pipeline.ProcessAudioGap(positionNs, durationNs, discontinuityGapNs, audioAac)
	})
	return outErr
}

// GetStats reports the sink's rendered/dropped frame counters for
// sourceType.
func (s *Session) GetStats(sourceType pipeline.SourceType) (rendered, dropped uint64, err error) {
	return s.pipeline.Stats(sourceType)
}

// SetImmediateOutput controls whether the first frame of a paused source is
// pushed to the sink immediately rather than waiting for playback to
// start. Recorded only: no pipeline behavior for this is present in the
// retrieved original source to wire it to.
func (s *Session) SetImmediateOutput(enabled bool) error {
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() { s.immediateOutput = enabled })
	return nil
}

// SetLowLatency requests the minimal-buffering sink configuration.
// Recorded only, same reasoning as SetImmediateOutput.
func (s *Session) SetLowLatency(enabled bool) error {
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() { s.lowLatency = enabled })
	return nil
}

// SetSync records whether clock-synchronized rendering is enabled. Recorded
// only: the value is not applied to the pipeline.
func (s *Session) SetSync(enabled bool) error {
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() { s.syncEnabled = enabled })
	return nil
}

// SetSyncOff is SetSync(!syncOff): SetSyncOff(true) disables sync and
// SetSyncOff(false) enables it.
func (s *Session) SetSyncOff(syncOff bool) error {
	return s.SetSync(!syncOff)
}

// SetStreamSyncMode records the stream synchronization mode. Recorded only,
// same as SetSync.
func (s *Session) SetStreamSyncMode(mode int32) error {
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() { s.streamSyncMode = mode })
	return nil
}

// SetBufferingLimit records a buffering limit in milliseconds. Recorded
// only, same as SetSync: the pipeline's buffering is not capped by it.
func (s *Session) SetBufferingLimit(limitMs uint32) error {
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() { s.bufferingLimit = limitMs })
	return nil
}

// SetUseBuffering records the use-buffering flag. Recorded only: Load
// reports NetworkState BUFFERING whatever its value.
func (s *Session) SetUseBuffering(enabled bool) error {
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() { s.useBuffering = enabled })
	return nil
}

// Ping enqueues a task whose sole effect is to release handler; a stuck
// MainThread never runs it, which is the deadlock signal the healthcheck
// watches for.
func (s *Session) Ping(handler heartbeat.Handler) {
	s.mainThread.EnqueueTask(s.clientID, func() {
		handler.Release()
	})
}

func (s *Session) fail(cause error) {
	s.state = events.PlaybackFailure
	s.client.NotifyPlaybackStateChange(events.PlaybackStateChangeEvent{SessionID: s.id, State: events.PlaybackFailure})
	if kind, ok := errs.KindOf(cause); ok {
		s.client.NotifyPlaybackError(events.PlaybackErrorEvent{SessionID: s.id, Message: kind.String()})
	}
}

// HandleBusEvent is called by the Dispatcher on its own goroutine; it
// enqueues the real handling onto the MainThread so session state is only
// ever touched by one thread.
func (s *Session) HandleBusEvent(ev pipeline.BusEvent) {
	s.mainThread.EnqueueTask(s.clientID, func() {
		s.handleBusEvent(ev)
	})
}

func (s *Session) handleBusEvent(ev pipeline.BusEvent) {
	switch ev.Type {
	case pipeline.BusStateChanged:
		// Play/Pause/Stop already updated s.state synchronously when they
		// issued the request; this bus round-trip is what actually confirms
		// the transition to the client, mirroring the spec's requirement
		// that PLAYING/PAUSED/STOPPED each produce exactly one
		// PlaybackStateChangeEvent.
		switch ev.NewState {
		case events.PlaybackPlaying, events.PlaybackPaused, events.PlaybackStopped:
			s.client.NotifyPlaybackStateChange(events.PlaybackStateChangeEvent{SessionID: s.id, State: ev.NewState})
		}
	case pipeline.BusAsyncDone:
		if s.state == events.PlaybackSeeking {
			s.state = events.PlaybackSeekDone
			s.client.NotifyPlaybackStateChange(events.PlaybackStateChangeEvent{SessionID: s.id, State: events.PlaybackSeekDone})
			s.requestNeedDataForAllSources()
		}
	case pipeline.BusEOS:
		s.state = events.PlaybackEndOfStream
		s.client.NotifyPlaybackStateChange(events.PlaybackStateChangeEvent{SessionID: s.id, State: events.PlaybackEndOfStream})
	case pipeline.BusError:
		s.fail(errs.New(errs.PipelineFailure, ev.Message))
	case pipeline.BusUnderflow:
		if rec, ok := s.sources[ev.SourceID]; ok {
			rec.underflowOccurred = true
			s.client.NotifyBufferUnderflow(events.BufferUnderflowEvent{SessionID: s.id, SourceID: ev.SourceID})
		}
	case pipeline.BusQos:
		s.client.NotifyQos(events.QosEvent{SessionID: s.id})
	}
}

// Destroy stops the dispatcher and MainThread and releases the session's
// shared-memory partition.
func (s *Session) Destroy() error {
	s.dispatcher.Stop()
	s.mainThread.Shutdown()
	s.shmBuf.UnmapPartition(shm.Playback, s.id)
	return s.pipeline.Close()
}

// ID returns the session's server-assigned identifier.
func (s *Session) ID() int32 { return s.id }

// State returns the session's last-observed playback state.
func (s *Session) State() events.PlaybackState {
	var st events.PlaybackState
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() { st = s.state })
	return st
}
