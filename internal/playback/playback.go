// Package playback implements PlaybackService: the per-server registry of
// media-pipeline sessions and web-audio sessions, sitting in front of the
// shared-memory buffer SessionServerManager creates on entry to ACTIVE.
// Kept as a three-way split (sessions / web audios / buffer ownership)
// rather than flattened into one map, mirroring the original's
// MediaPipelineService/WebAudioPlayerService/PlaybackService layering.
package playback

import (
	"sync"

	"go.uber.org/zap"

	"rialto/internal/errs"
	"rialto/internal/events"
	"rialto/internal/heartbeat"
	"rialto/internal/pipeline"
	"rialto/internal/session"
	"rialto/internal/shm"
	"rialto/internal/webaudio"
)

// BackendFactory constructs the pipeline.Backend a new media session
// drives. Concrete wiring (e.g. webrtcsink.New) lives above this package.
type BackendFactory func() (pipeline.Backend, error)

// WebAudioBackendFactory constructs the webaudio.Backend a new web-audio
// session drains into.
type WebAudioBackendFactory func(mimeType string, sampleRate, channels int) (webaudio.Backend, error)

// Service is PlaybackService.
type Service struct {
	mu sync.Mutex

	active       bool
	maxPlaybacks int
	maxWebAudio  int

	sessions  map[int32]*session.Session
	webAudios map[int32]*webaudio.Session
	nextSID   int32
	nextWID   int32

	// sessionClients/webAudioClients retain the boxed client interface each
	// Session/WebAudioSession holds only a weak.Pointer to, for as long as
	// the entry lives in sessions/webAudios — the strong owner
	// events.NewWeakClient's contract requires, standing in for the RPC
	// layer's own connection table.
	sessionClients  map[int32]*events.Client
	webAudioClients map[int32]*events.Client

	shmBuf *shm.Buffer

	newBackend     BackendFactory
	newWebAudioBck WebAudioBackendFactory
	log            *zap.Logger
}

// New creates an empty, inactive service. Configure and SetSharedMemory
// are called by SessionServerManager as the server enters ACTIVE.
func New(newBackend BackendFactory, newWebAudioBck WebAudioBackendFactory, log *zap.Logger) *Service {
	return &Service{
		sessions:        make(map[int32]*session.Session),
		webAudios:       make(map[int32]*webaudio.Session),
		sessionClients:  make(map[int32]*events.Client),
		webAudioClients: make(map[int32]*events.Client),
		newBackend:      newBackend,
		newWebAudioBck:  newWebAudioBck,
		log:             log,
	}
}

// Configure sets capacity limits and marks the service active. Called by
// SessionServerManager on INACTIVE→ACTIVE.
func (s *Service) Configure(maxPlaybacks, maxWebAudio int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxPlaybacks = maxPlaybacks
	s.maxWebAudio = maxWebAudio
	s.active = true
}

// SetSharedMemory binds the buffer every session maps its partition from.
func (s *Service) SetSharedMemory(buf *shm.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shmBuf = buf
}

// Clear destroys every session and web-audio player and marks the service
// inactive. Called by SessionServerManager on ACTIVE→INACTIVE and on any
// transition to NOT_RUNNING.
func (s *Service) Clear() {
	s.mu.Lock()
	sessions := s.sessions
	webAudios := s.webAudios
	s.sessions = make(map[int32]*session.Session)
	s.webAudios = make(map[int32]*webaudio.Session)
	s.sessionClients = make(map[int32]*events.Client)
	s.webAudioClients = make(map[int32]*events.Client)
	s.active = false
	s.shmBuf = nil
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Destroy(); err != nil {
			s.log.Error("session destroy failed during clear", zap.Error(err))
		}
	}
	for _, wa := range webAudios {
		if err := wa.Destroy(); err != nil {
			s.log.Error("web audio destroy failed during clear", zap.Error(err))
		}
	}
}

// CreateSession allocates a fresh MediaPipelineSession. Refused when the
// server is not ACTIVE or maxPlaybacks has been reached.
func (s *Service) CreateSession(client events.Client, maxWidth, maxHeight int32) (int32, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return 0, errs.New(errs.InvalidState, "server is not ACTIVE")
	}
	if len(s.sessions) >= s.maxPlaybacks {
		s.mu.Unlock()
		return 0, errs.New(errs.Capacity, "maxPlaybacks exceeded")
	}
	buf := s.shmBuf
	s.nextSID++
	id := s.nextSID
	s.mu.Unlock()

	backend, err := s.newBackend()
	if err != nil {
		return 0, errs.Wrap(errs.PipelineFailure, err)
	}
	box := new(events.Client)
	*box = client
	sess, err := session.New(id, box, maxWidth, maxHeight, backend, buf, s.log)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.sessionClients[id] = box
	s.mu.Unlock()
	return id, nil
}

// DestroySession removes and tears down a session.
func (s *Service) DestroySession(sessionID int32) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
		delete(s.sessionClients, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.UnknownID, "unknown sessionId")
	}
	return sess.Destroy()
}

// Session looks up a live MediaPipelineSession by id.
func (s *Service) Session(sessionID int32) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, errs.New(errs.UnknownID, "unknown sessionId")
	}
	return sess, nil
}

// CreateWebAudioPlayer allocates a fresh WebAudioSession. Refused when the
// server is not ACTIVE or maxWebAudio has been reached.
func (s *Service) CreateWebAudioPlayer(client events.Client, mimeType string, sampleRate, channels int, bytesPerFrame uint32) (int32, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return 0, errs.New(errs.InvalidState, "server is not ACTIVE")
	}
	if len(s.webAudios) >= s.maxWebAudio {
		s.mu.Unlock()
		return 0, errs.New(errs.Capacity, "maxWebAudio exceeded")
	}
	buf := s.shmBuf
	s.nextWID++
	id := s.nextWID
	s.mu.Unlock()

	backend, err := s.newWebAudioBck(mimeType, sampleRate, channels)
	if err != nil {
		return 0, errs.Wrap(errs.PipelineFailure, err)
	}
	box := new(events.Client)
	*box = client
	wa, err := webaudio.New(id, box, backend, buf, bytesPerFrame, s.log)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.webAudios[id] = wa
	s.webAudioClients[id] = box
	s.mu.Unlock()
	return id, nil
}

// DestroyWebAudioPlayer removes and tears down a web-audio session.
func (s *Service) DestroyWebAudioPlayer(handle int32) error {
	s.mu.Lock()
	wa, ok := s.webAudios[handle]
	if ok {
		delete(s.webAudios, handle)
		delete(s.webAudioClients, handle)
	}
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.UnknownID, "unknown webAudioHandle")
	}
	return wa.Destroy()
}

// WebAudioPlayer looks up a live WebAudioSession by handle.
func (s *Service) WebAudioPlayer(handle int32) (*webaudio.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wa, ok := s.webAudios[handle]
	if !ok {
		return nil, errs.New(errs.UnknownID, "unknown webAudioHandle")
	}
	return wa, nil
}

// SharedMemoryInfo exposes the fd+size clients map, refusing callers
// while the server is not ACTIVE.
func (s *Service) SharedMemoryInfo() (fd int, size uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.shmBuf == nil {
		return 0, 0, errs.New(errs.InvalidState, "server is not ACTIVE")
	}
	fd, size = s.shmBuf.FD()
	return fd, size, nil
}

// LiveCount returns the number of sessions and web-audio players currently
// registered, for callers that only need the count (Ping sizes its own
// fan-out internally and does not use this).
func (s *Service) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions) + len(s.webAudios)
}

// Ping fans a heartbeat sweep out across every live session and web-audio
// player, each taking ownership of one handler created by procedure.
//
// Every handler is created while s.mu is still held, in the same critical
// section that enumerates the live set, so a concurrent CreateSession,
// DestroySession, CreateWebAudioPlayer, or DestroyWebAudioPlayer can never
// leave procedure's fan-out count out of sync with the handlers actually
// handed out: a session destroyed after the snapshot still gets a handler
// (and is responsible for releasing it via its own teardown path), and a
// session created after the snapshot is simply not part of this sweep.
// procedure.Start is only called once every handler has been created, so an
// already-released handler can't fire the ack before a still-pending one is
// even created.
func (s *Service) Ping(procedure *heartbeat.Procedure) {
	type target struct {
		session  *session.Session
		webAudio *webaudio.Session
		handler  heartbeat.Handler
	}

	s.mu.Lock()
	targets := make([]target, 0, len(s.sessions)+len(s.webAudios))
	for _, sess := range s.sessions {
		targets = append(targets, target{session: sess, handler: procedure.CreateHandler()})
	}
	for _, wa := range s.webAudios {
		targets = append(targets, target{webAudio: wa, handler: procedure.CreateHandler()})
	}
	s.mu.Unlock()

	procedure.Start()

	for _, t := range targets {
		if t.session != nil {
			t.session.Ping(t.handler)
		} else {
			t.webAudio.Ping(t.handler)
		}
	}
}
