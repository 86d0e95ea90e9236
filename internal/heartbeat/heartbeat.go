// Package heartbeat implements the ping/ack liveness sweep:
// one HeartbeatProcedure fans a single ping id out to every subsystem that
// must answer before the corresponding ack can be reported, grounded on
// IHeartbeatHandler.h and MediaPipelineService.ping's createHandler() call.
package heartbeat

import (
	"sync"

	"github.com/google/uuid"

	"rialto/internal/events"
)

// Handler is handed to exactly one subsystem (a session, a web-audio
// player, ...) per fan-out target. The subsystem must call Release when it
// has processed its ping, and Error instead if it could not.
type Handler interface {
	// ID is the ping id this handler answers for.
	ID() int32
	// InstanceID distinguishes this handler from every other handler
	// fanned out for the same ping id, for logging a stuck fan-out target.
	InstanceID() uuid.UUID
	// Error marks the sweep as failed without blocking the rest of the
	// fan-out from completing.
	Error()
	// Release signals this handler's target has responded. The ack fires
	// once every fanned-out handler has been released.
	Release()
}

// Procedure coordinates one ping sweep across n fan-out targets. The ack
// is emitted exactly once, when the last outstanding handler is released,
// carrying Success=false if any handler reported Error.
//
// The fan-out count is not known up front: callers grow the procedure by
// one with each CreateHandler call as they discover live targets, then call
// Start once every handler that will ever exist for this sweep has been
// created. This lets a caller size and populate the fan-out inside a single
// critical section over its live-target registry, instead of trusting a
// count computed by a separate, racing call.
type Procedure struct {
	id     int32
	notify func(events.AckEvent)

	mu      sync.Mutex
	pending int
	failed  bool
	started bool
	done    bool
}

// NewProcedure starts a sweep for the given ping id. notify fires once
// Start has been called and every handler created before it has been
// released.
func NewProcedure(id int32, notify func(events.AckEvent)) *Procedure {
	return &Procedure{id: id, notify: notify}
}

// CreateHandler fans out one more handler to a subsystem (grounded on
// IHeartbeatProcedure::createHandler()). Must only be called before Start.
func (p *Procedure) CreateHandler() Handler {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()
	return &handler{procedure: p, instanceID: uuid.New()}
}

// Start closes the fan-out: no further handlers may be created after this
// call. If every handler created so far has already released (including
// the case where CreateHandler was never called), the ack fires
// immediately; otherwise it fires when the last of them releases.
func (p *Procedure) Start() {
	p.mu.Lock()
	p.started = true
	fire, success := p.finishLocked()
	p.mu.Unlock()
	if fire {
		p.notify(events.AckEvent{ID: p.id, Success: success})
	}
}

// finishLocked reports whether the sweep is complete and, if so, marks it
// done so notify fires at most once. Must be called with p.mu held.
func (p *Procedure) finishLocked() (fire bool, success bool) {
	if p.done || !p.started || p.pending > 0 {
		return false, false
	}
	p.done = true
	return true, !p.failed
}

func (p *Procedure) release(failed bool) {
	p.mu.Lock()
	if failed {
		p.failed = true
	}
	p.pending--
	fire, success := p.finishLocked()
	p.mu.Unlock()

	if fire {
		p.notify(events.AckEvent{ID: p.id, Success: success})
	}
}

type handler struct {
	procedure  *Procedure
	instanceID uuid.UUID
	mu         sync.Mutex
	resolved   bool
	failed     bool
}

func (h *handler) ID() int32 { return h.procedure.id }

func (h *handler) InstanceID() uuid.UUID { return h.instanceID }

func (h *handler) Error() {
	h.mu.Lock()
	h.failed = true
	h.mu.Unlock()
}

// Release is idempotent: a subsystem that calls it twice (e.g. once from a
// timeout path and once from the normal path) only counts once against the
// procedure.
func (h *handler) Release() {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	h.resolved = true
	failed := h.failed
	h.mu.Unlock()
	h.procedure.release(failed)
}
