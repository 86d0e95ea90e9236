package serverstate

import (
	"sync"
	"testing"

	"rialto/internal/events"
	"rialto/internal/logging"
	"rialto/internal/shm"
)

type fakeRegistries struct {
	mu                     sync.Mutex
	configuredMax          int
	configuredMaxWebAudio  int
	buf                    *shm.Buffer
	cleared                int
}

func (f *fakeRegistries) Configure(maxPlaybacks, maxWebAudio int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configuredMax = maxPlaybacks
	f.configuredMaxWebAudio = maxWebAudio
}

func (f *fakeRegistries) SetSharedMemory(buf *shm.Buffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = buf
}

func (f *fakeRegistries) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	f.buf = nil
}

type fakeClient struct {
	mu   sync.Mutex
	apps []events.ApplicationState
}

func (c *fakeClient) NotifyPlaybackStateChange(events.PlaybackStateChangeEvent) {}
func (c *fakeClient) NotifyNetworkStateChange(events.NetworkStateChangeEvent)   {}
func (c *fakeClient) NotifyPositionChange(events.PositionChangeEvent)           {}
func (c *fakeClient) NotifyNeedMediaData(events.NeedMediaDataEvent)             {}
func (c *fakeClient) NotifyBufferUnderflow(events.BufferUnderflowEvent)         {}
func (c *fakeClient) NotifyQos(events.QosEvent)                                 {}
func (c *fakeClient) NotifyPlaybackError(events.PlaybackErrorEvent)             {}
func (c *fakeClient) NotifySourceFlushed(events.SourceFlushedEvent)             {}
func (c *fakeClient) NotifyPing(events.PingEvent)                               {}
func (c *fakeClient) NotifyAck(events.AckEvent)                                 {}
func (c *fakeClient) NotifyApplicationStateChange(e events.ApplicationStateChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps = append(c.apps, e.State)
}

func TestSetConfigurationOnlyAcceptedWhileUninitialized(t *testing.T) {
	m := New(&fakeRegistries{}, shm.DefaultSizes, logging.Nop())
	if err := m.SetConfiguration(Configuration{MaxSessions: 2, MaxWebAudio: 1}); err != nil {
		t.Fatalf("first SetConfiguration: %v", err)
	}
	if err := m.SetState(Inactive); err != nil {
		t.Fatalf("Inactive transition: %v", err)
	}
	if err := m.SetConfiguration(Configuration{MaxSessions: 5}); err == nil {
		t.Fatal("expected SetConfiguration to fail once past UNINITIALIZED")
	}
}

func TestActiveRefusedWithoutConfiguration(t *testing.T) {
	m := New(&fakeRegistries{}, shm.DefaultSizes, logging.Nop())
	if err := m.SetState(Inactive); err != nil {
		t.Fatalf("Inactive transition: %v", err)
	}
	if err := m.SetState(Active); err == nil {
		t.Fatal("expected INACTIVE->ACTIVE to fail before SetConfiguration ever completed")
	}
	if m.State() != Inactive {
		t.Fatalf("expected state to remain INACTIVE, got %s", m.State())
	}
}

func TestActiveCreatesSharedMemoryAndConfiguresRegistries(t *testing.T) {
	reg := &fakeRegistries{}
	m := New(reg, shm.DefaultSizes, logging.Nop())
	if err := m.SetConfiguration(Configuration{MaxSessions: 3, MaxWebAudio: 2}); err != nil {
		t.Fatalf("SetConfiguration: %v", err)
	}
	if err := m.SetState(Inactive); err != nil {
		t.Fatalf("Inactive: %v", err)
	}
	if err := m.SetState(Active); err != nil {
		t.Fatalf("Active: %v", err)
	}
	defer m.SharedMemoryBuffer().Close()

	if m.State() != Active {
		t.Fatalf("expected ACTIVE, got %v", m.State())
	}
	if reg.configuredMax != 3 || reg.configuredMaxWebAudio != 2 {
		t.Fatalf("registries not configured: %+v", reg)
	}
	if reg.buf == nil {
		t.Fatal("expected shared memory buffer to be handed to registries")
	}
}

func TestInactiveClearsRegistriesAndReleasesBuffer(t *testing.T) {
	reg := &fakeRegistries{}
	m := New(reg, shm.DefaultSizes, logging.Nop())
	m.SetConfiguration(Configuration{MaxSessions: 1, MaxWebAudio: 1})
	m.SetState(Inactive)
	if err := m.SetState(Active); err != nil {
		t.Fatalf("Active: %v", err)
	}
	if err := m.SetState(Inactive); err != nil {
		t.Fatalf("back to Inactive: %v", err)
	}
	if reg.cleared != 1 {
		t.Fatalf("expected registries cleared once, got %d", reg.cleared)
	}
	if m.SharedMemoryBuffer() != nil {
		t.Fatal("expected shared memory buffer released")
	}
}

func TestBroadcastFiresOnEverySuccessfulTransition(t *testing.T) {
	reg := &fakeRegistries{}
	m := New(reg, shm.DefaultSizes, logging.Nop())
	client := &fakeClient{}
	m.RegisterClient(client)

	m.SetConfiguration(Configuration{MaxSessions: 1, MaxWebAudio: 1})
	m.SetState(Inactive)
	m.SetState(Active)
	m.SharedMemoryBuffer()

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.apps) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d: %+v", len(client.apps), client.apps)
	}
	if client.apps[0] != events.AppInactive || client.apps[1] != events.AppRunning {
		t.Fatalf("unexpected broadcast sequence: %+v", client.apps)
	}
}

func TestNotRunningReachableFromAnyState(t *testing.T) {
	m := New(&fakeRegistries{}, shm.DefaultSizes, logging.Nop())
	m.SetConfiguration(Configuration{MaxSessions: 1, MaxWebAudio: 1})
	if err := m.SetState(NotRunning); err != nil {
		t.Fatalf("NotRunning from UNINITIALIZED: %v", err)
	}
	if m.State() != NotRunning {
		t.Fatalf("expected NOT_RUNNING, got %v", m.State())
	}
}
