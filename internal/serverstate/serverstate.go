// Package serverstate implements SessionServerManager: the lifecycle
// state machine that gates every other engine behind
// UNINITIALIZED/INACTIVE/ACTIVE/NOT_RUNNING/ERROR, creating the shared
// memory buffer on entry to ACTIVE and tearing down every registry on
// exit.
package serverstate

import (
	"sync"

	"go.uber.org/zap"

	"rialto/internal/errs"
	"rialto/internal/events"
	"rialto/internal/shm"
)

// State is one of SessionServerManager's lifecycle states.
type State int

const (
	Uninitialized State = iota
	Inactive
	Active
	NotRunning
	Error
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Inactive:
		return "INACTIVE"
	case Active:
		return "ACTIVE"
	case NotRunning:
		return "NOT_RUNNING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s State) toApplicationState() events.ApplicationState {
	switch s {
	case Active:
		return events.AppRunning
	case Inactive:
		return events.AppInactive
	default:
		return events.AppUnknown
	}
}

// Configuration is supplied via SetConfiguration while the manager is
// still UNINITIALIZED. Of the state transitions, only INACTIVE→ACTIVE
// refuses to run without it.
type Configuration struct {
	SocketName  string
	Permissions uint32
	MaxSessions int
	MaxWebAudio int
	LogLevels   map[string]string
}

// Registries is the set of per-server registries that must be cleared on
// ACTIVE→INACTIVE and whose capacity is set from Configuration on
// INACTIVE→ACTIVE. Implemented by internal/playback.Service.
type Registries interface {
	Configure(maxPlaybacks, maxWebAudio int)
	SetSharedMemory(buf *shm.Buffer)
	Clear()
}

// Manager is SessionServerManager.
type Manager struct {
	mu         sync.Mutex
	state      State
	config     Configuration
	configured bool
	clients    map[int]events.Client
	nextID     int

	registries Registries
	shmBuf     *shm.Buffer
	shmSizes   shm.Sizes

	log *zap.Logger
}

// New creates a manager bound to a registry set, starting UNINITIALIZED.
func New(registries Registries, shmSizes shm.Sizes, log *zap.Logger) *Manager {
	return &Manager{
		state:      Uninitialized,
		clients:    make(map[int]events.Client),
		registries: registries,
		shmSizes:   shmSizes,
		log:        log,
	}
}

// RegisterClient adds an endpoint that receives ApplicationStateChangeEvent
// broadcasts on every successful transition.
func (m *Manager) RegisterClient(c events.Client) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.clients[id] = c
	return id
}

// UnregisterClient stops delivering broadcasts to id.
func (m *Manager) UnregisterClient(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, id)
}

// SetConfiguration stores server parameters. It is accepted only while
// UNINITIALIZED, where a repeated call overwrites the stored values.
// UNINITIALIZED→INACTIVE and any transition to NOT_RUNNING proceed without
// it; INACTIVE→ACTIVE fails with InvalidState until it has been called.
func (m *Manager) SetConfiguration(cfg Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Uninitialized {
		return errs.New(errs.InvalidState, "setConfiguration only valid while UNINITIALIZED")
	}
	m.config = cfg
	m.configured = true
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState drives a transition. Success or failure both broadcast the
// resulting ApplicationStateChangeEvent.
func (m *Manager) SetState(target State) error {
	m.mu.Lock()
	cur := m.state
	m.mu.Unlock()

	var err error
	switch {
	case target == NotRunning:
		err = m.toNotRunning()
	case cur == Inactive && target == Active:
		err = m.toActive()
	case cur == Active && target == Inactive:
		err = m.toInactive()
	case cur == Uninitialized && target == Inactive:
		m.mu.Lock()
		m.state = Inactive
		m.mu.Unlock()
	default:
		err = errs.New(errs.InvalidState, "unsupported transition "+cur.String()+"->"+target.String())
	}

	m.mu.Lock()
	final := m.state
	m.mu.Unlock()
	m.broadcast(final)
	return err
}

// toActive creates the shared-memory buffer sized from maxSessions and
// maxWebAudio. On failure the manager stays INACTIVE: SetState returns the
// error and the broadcast that follows carries AppInactive.
func (m *Manager) toActive() error {
	m.mu.Lock()
	cfg := m.config
	configured := m.configured
	m.mu.Unlock()

	if !configured {
		return errs.New(errs.InvalidState, "setConfiguration must complete before INACTIVE->ACTIVE")
	}

	buf, err := shm.New(cfg.MaxSessions, cfg.MaxWebAudio, m.shmSizes)
	if err != nil {
		m.mu.Lock()
		m.state = Inactive
		m.mu.Unlock()
		m.log.Error("shared memory buffer creation failed", zap.Error(err))
		return errs.Wrap(errs.BadArgument, err)
	}

	m.mu.Lock()
	m.shmBuf = buf
	m.state = Active
	m.mu.Unlock()

	m.registries.Configure(cfg.MaxSessions, cfg.MaxWebAudio)
	m.registries.SetSharedMemory(buf)
	return nil
}

// toInactive clears every registry and releases the shared-memory buffer.
// In-flight client requests against now-destroyed sessions fail gracefully
// because the registries themselves answer UnknownID after Clear.
func (m *Manager) toInactive() error {
	m.registries.Clear()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shmBuf != nil {
		m.shmBuf.Close()
		m.shmBuf = nil
	}
	m.state = Inactive
	return nil
}

// toNotRunning is reachable from any state: it stops everything and
// closes the listening socket, which lives in the RPC layer above this
// package.
func (m *Manager) toNotRunning() error {
	m.registries.Clear()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shmBuf != nil {
		m.shmBuf.Close()
		m.shmBuf = nil
	}
	m.state = NotRunning
	return nil
}

func (m *Manager) broadcast(state State) {
	ev := events.ApplicationStateChangeEvent{State: state.toApplicationState()}
	m.mu.Lock()
	targets := make([]events.Client, 0, len(m.clients))
	for _, c := range m.clients {
		targets = append(targets, c)
	}
	m.mu.Unlock()
	for _, c := range targets {
		c.NotifyApplicationStateChange(ev)
	}
}

// SharedMemoryBuffer exposes the active buffer for fd/size handoff to
// clients. Returns nil outside ACTIVE.
func (m *Manager) SharedMemoryBuffer() *shm.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shmBuf
}
