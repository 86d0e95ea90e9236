// Package control is the thin adapter surface the RPC layer talks to: it
// registers client endpoints with SessionServerManager, propagates
// application-state changes, and drives the healthcheck (ping/ack)
// traversal across every registered session and web-audio player.
package control

import (
	"sync"

	"go.uber.org/zap"

	"rialto/internal/events"
	"rialto/internal/heartbeat"
	"rialto/internal/playback"
	"rialto/internal/serverstate"
)

// Service wires SessionServerManager and PlaybackService behind one
// registration/ping surface.
type Service struct {
	manager  *serverstate.Manager
	playback *playback.Service
	log      *zap.Logger

	mu      sync.Mutex
	handles map[int32]int // controlHandle -> serverstate client registration id
	nextID  int32
}

// New creates a control service bound to a manager and a playback
// registry.
func New(manager *serverstate.Manager, pb *playback.Service, log *zap.Logger) *Service {
	return &Service{
		manager:  manager,
		playback: pb,
		log:      log,
		handles:  make(map[int32]int),
	}
}

// Register gives client a controlHandle and enrolls it for
// ApplicationStateChangeEvent broadcasts.
func (s *Service) Register(client events.Client) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	handle := s.nextID
	s.handles[handle] = s.manager.RegisterClient(client)
	return handle
}

// Unregister removes a controlHandle's broadcast registration.
func (s *Service) Unregister(handle int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	regID, ok := s.handles[handle]
	if !ok {
		return
	}
	delete(s.handles, handle)
	s.manager.UnregisterClient(regID)
}

// Ping starts a heartbeat sweep with id, notifying client with the
// aggregated AckEvent once every live session and web-audio player has
// answered. The fan-out count is sized by playback.Ping itself, inside the
// same critical section that enumerates the live set, so a session or
// web-audio player created or destroyed concurrently with this call can
// never desync the count from the handlers actually handed out.
func (s *Service) Ping(controlHandle int32, id int32, client events.Client) {
	proc := heartbeat.NewProcedure(id, func(ack events.AckEvent) {
		client.NotifyAck(ack)
	})
	client.NotifyPing(events.PingEvent{ControlHandle: controlHandle, ID: id})
	s.playback.Ping(proc)
}
