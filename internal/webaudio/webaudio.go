// Package webaudio implements WebAudioSession: the simpler sibling of
// MediaPipelineSession that writes raw PCM frames into a shared-memory
// ring and drains them into an app-source element, grounded on
// IGstWebAudioPlayer.h's writeBuffer/setEos/getQueuedBytes/ping contract.
package webaudio

import (
	"time"

	"go.uber.org/zap"

	"rialto/internal/errs"
	"rialto/internal/events"
	"rialto/internal/heartbeat"
	"rialto/internal/mainthread"
	"rialto/internal/shm"
	"rialto/internal/timer"
)

// retryPeriod is the deferred-write retry interval.
const retryPeriod = 100 * time.Millisecond

// Backend is the minimal pipeline-facing contract WebAudioSession drives.
// The real streaming-framework app-source element is out of scope;
// WriteBuffer mirrors IGstWebAudioPlayer::writeBuffer, returning the
// number of bytes actually accepted.
type Backend interface {
	SetCaps(mimeType string, sampleRate, channels int) error
	Play() error
	Pause() error
	WriteBuffer(main []byte, wrap []byte) (accepted uint32, err error)
	SetEOS() error
	QueuedBytes() (uint64, error)
	Close() error
}

// AvailableBuffer describes the ring region the client may write into: a
// contiguous main span plus, when the ring wraps, a second span at the
// front of the buffer.
type AvailableBuffer struct {
	OffsetMain, LengthMain uint32
	OffsetWrap, LengthWrap uint32
}

// DeviceInfo describes the frame-size limits and capabilities a client
// should size its writes around.
type DeviceInfo struct {
	PreferredFrames    uint32
	MaximumFrames      uint32
	SupportDeferredPlay bool
}

// Session is WebAudioSession.
type Session struct {
	handle  int32
	client  events.WeakClient
	backend Backend
	shmBuf  *shm.Buffer
	log     *zap.Logger

	mainThread *mainthread.MainThread
	clientID   mainthread.ClientID

	bytesPerFrame uint32
	maxDataLength uint32
	dataOffset    uint32

	readPos, writePos uint32 // ring cursors, bytes, within [0, maxDataLength)
	expectWriteBuffer bool
	isEosRequested    bool
	eosPending        bool

	deferredWriteTimer *timer.Timer
}

// New creates a web-audio session bound to handle, mapping its
// shared-memory partition and deriving bytesPerFrame from the PCM config.
// client must be a pointer the caller retains strongly for the session's
// lifetime (see events.NewWeakClient) — PlaybackService retains one per
// handle.
func New(handle int32, client *events.Client, backend Backend, shmBuf *shm.Buffer, bytesPerFrame uint32, log *zap.Logger) (*Session, error) {
	if err := shmBuf.MapPartition(shm.WebAudio, handle); err != nil {
		return nil, err
	}
	offset, err := shmBuf.GetDataOffset(shm.WebAudio, handle, shm.SourceAudio)
	if err != nil {
		return nil, err
	}
	maxLen := shmBuf.GetMaxDataLen(shm.WebAudio, shm.SourceAudio)

	s := &Session{
		handle:        handle,
		client:        events.NewWeakClient(client),
		backend:       backend,
		shmBuf:        shmBuf,
		log:           log,
		mainThread:    mainthread.New(),
		bytesPerFrame: bytesPerFrame,
		maxDataLength: maxLen,
		dataOffset:    offset,
	}
	s.clientID = s.mainThread.RegisterClient()
	return s, nil
}

// GetBufferAvailable atomically returns the writable ring region and
// marks a write as expected next.
func (s *Session) GetBufferAvailable() (AvailableBuffer, error) {
	var out AvailableBuffer
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		if s.isEosRequested {
			outErr = errs.New(errs.InvalidState, "EOS already requested")
			return
		}
		out = s.availableBufferLocked()
		s.expectWriteBuffer = true
	})
	return out, outErr
}

// pendingLength returns the number of bytes currently written by the
// client but not yet accepted by the backend, i.e. the span [readPos,
// writePos) with wraparound.
func (s *Session) pendingLength() uint32 {
	if s.writePos >= s.readPos {
		return s.writePos - s.readPos
	}
	return s.maxDataLength - s.readPos + s.writePos
}

// availableBufferLocked computes the two-pointer ring span currently free
// for the client to write into. Must run on the MainThread.
func (s *Session) availableBufferLocked() AvailableBuffer {
	if s.maxDataLength == 0 {
		return AvailableBuffer{}
	}
	free := s.maxDataLength - s.pendingLength()
	toEnd := s.maxDataLength - s.writePos
	if toEnd >= free {
		return AvailableBuffer{OffsetMain: s.dataOffset + s.writePos, LengthMain: free}
	}
	return AvailableBuffer{
		OffsetMain: s.dataOffset + s.writePos, LengthMain: toEnd,
		OffsetWrap: s.dataOffset, LengthWrap: free - toEnd,
	}
}

// WriteBuffer advances writePos past the numberOfFrames the client just
// wrote into the region handed out by GetBufferAvailable, then attempts to
// drain the full pending span into the pipeline. If the backend accepts
// fewer bytes than pending, the unwritten tail stays in the ring and a
// deferred retry timer re-attempts the write.
func (s *Session) WriteBuffer(numberOfFrames uint32) error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		s.expectWriteBuffer = false
		requested := numberOfFrames * s.bytesPerFrame
		if requested == 0 {
			return
		}
		s.writePos = (s.writePos + requested) % s.maxDataLength
		s.pushPending()
	})
	return outErr
}

// pushPending attempts to drain the full [readPos, writePos) pending span
// into the backend.
func (s *Session) pushPending() {
	pending := s.pendingLength()
	if pending == 0 {
		return
	}
	main, wrap, err := s.ringSpans(pending)
	if err != nil {
		s.log.Error("web audio ring span resolution failed", zap.Error(err))
		return
	}
	s.attemptWrite(main, wrap)
}

// ringSpans resolves the byte spans of the ring that hold the next
// `length` bytes written by the client, starting at readPos.
func (s *Session) ringSpans(length uint32) (main, wrap []byte, err error) {
	toEnd := s.maxDataLength - s.readPos
	if length <= toEnd {
		buf, e := s.shmBuf.Slice(s.dataOffset+s.readPos, length)
		return buf, nil, e
	}
	mainBuf, e := s.shmBuf.Slice(s.dataOffset+s.readPos, toEnd)
	if e != nil {
		return nil, nil, e
	}
	wrapBuf, e := s.shmBuf.Slice(s.dataOffset, length-toEnd)
	if e != nil {
		return nil, nil, e
	}
	return mainBuf, wrapBuf, nil
}

func (s *Session) attemptWrite(main, wrap []byte) {
	accepted, err := s.backend.WriteBuffer(main, wrap)
	if err != nil {
		s.log.Error("web audio write failed", zap.Error(err))
		return
	}
	s.readPos = (s.readPos + accepted) % s.maxDataLength

	total := uint32(len(main) + len(wrap))
	if accepted < total {
		s.scheduleRetry()
		return
	}
	if s.eosPending {
		s.finishEOS()
	}
}

func (s *Session) scheduleRetry() {
	if s.deferredWriteTimer != nil && s.deferredWriteTimer.IsActive() {
		return
	}
	s.deferredWriteTimer = timer.New(retryPeriod, func() {
		s.mainThread.EnqueueTask(s.clientID, func() {
			s.pushPending()
		})
	}, timer.OneShot)
}

// SetEOS defers end-of-stream until the ring is fully drained.
func (s *Session) SetEOS() error {
	var outErr error
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		s.isEosRequested = true
		if s.readPos == s.writePos {
			s.finishEOS()
			return
		}
		s.eosPending = true
	})
	return outErr
}

func (s *Session) finishEOS() {
	if err := s.backend.SetEOS(); err != nil {
		s.log.Error("web audio set-eos failed", zap.Error(err))
	}
}

// GetBufferDelay returns queued-in-pipeline + queued-in-shm, in frames.
func (s *Session) GetBufferDelay() (uint32, error) {
	var queuedInShm uint32
	s.mainThread.EnqueueTaskAndWait(s.clientID, func() {
		queuedInShm = s.pendingLength()
	})
	queuedInPipeline, err := s.backend.QueuedBytes()
	if err != nil {
		return 0, err
	}
	if s.bytesPerFrame == 0 {
		return 0, nil
	}
	return (uint32(queuedInPipeline) + queuedInShm) / s.bytesPerFrame, nil
}

// GetDeviceInfo reports the frame-size limits a client should write with.
func (s *Session) GetDeviceInfo() DeviceInfo {
	preferred := uint32(640)
	if s.bytesPerFrame > 0 {
		maxFrames := s.maxDataLength / s.bytesPerFrame
		if maxFrames < preferred {
			preferred = maxFrames
		}
		return DeviceInfo{PreferredFrames: preferred, MaximumFrames: maxFrames, SupportDeferredPlay: true}
	}
	return DeviceInfo{PreferredFrames: preferred, SupportDeferredPlay: true}
}

// Ping completes handler on the MainThread, the same mechanism
// MediaPipelineSession uses to prove liveness to a heartbeat sweep.
func (s *Session) Ping(handler heartbeat.Handler) {
	s.mainThread.EnqueueTask(s.clientID, func() {
		handler.Release()
	})
}

// Destroy cancels any pending retry timer, shuts down the MainThread, and
// releases the session's shared-memory partition.
func (s *Session) Destroy() error {
	if s.deferredWriteTimer != nil {
		s.deferredWriteTimer.Cancel()
	}
	s.mainThread.Shutdown()
	s.shmBuf.UnmapPartition(shm.WebAudio, s.handle)
	return s.backend.Close()
}
