package playback

import (
	"testing"

	"rialto/internal/events"
	"rialto/internal/logging"
	"rialto/internal/pipeline"
	"rialto/internal/shm"
	"rialto/internal/webaudio"
)

type nopBackend struct{ bus chan pipeline.BusEvent }

func newNopBackend() *nopBackend { return &nopBackend{bus: make(chan pipeline.BusEvent, 8)} }

func (b *nopBackend) AttachSource(pipeline.SourceType, pipeline.Caps, bool) (int64, error) {
	return 1, nil
}
func (b *nopBackend) UpdateCaps(int64, pipeline.Caps) error             { return nil }
func (b *nopBackend) RemoveSource(int64) error                         { return nil }
func (b *nopBackend) SetState(events.PlaybackState) error              { return nil }
func (b *nopBackend) PushBuffer(int64, pipeline.Buffer) error          { return nil }
func (b *nopBackend) EndOfStream(int64) error                          { return nil }
func (b *nopBackend) Flush(int64, bool) error                          { return nil }
func (b *nopBackend) Seek(int64, float64) error                        { return nil }
func (b *nopBackend) SetPlaybackRate(float64) error                    { return nil }
func (b *nopBackend) RenderFrame() error                               { return nil }
func (b *nopBackend) SetVolume(float64) error                          { return nil }
func (b *nopBackend) GetVolume() (float64, error)                      { return 1, nil }
func (b *nopBackend) SetMute(pipeline.SourceType, bool) error          { return nil }
func (b *nopBackend) GetMute(pipeline.SourceType) (bool, error)        { return false, nil }
func (b *nopBackend) PositionNs() (int64, error)                       { return 0, nil }
func (b *nopBackend) SetVideoWindow(uint32, uint32, uint32, uint32) error { return nil }
func (b *nopBackend) SetSourcePosition(pipeline.SourceType, int64) error  { return nil }
func (b *nopBackend) ProcessAudioGap(int64, int64, int64, bool) error     { return nil }
func (b *nopBackend) Stats(pipeline.SourceType) (uint64, uint64, error)   { return 0, 0, nil }
func (b *nopBackend) Bus() <-chan pipeline.BusEvent                    { return b.bus }
func (b *nopBackend) Close() error                                     { return nil }

type nopWebAudioBackend struct{}

func (nopWebAudioBackend) SetCaps(string, int, int) error              { return nil }
func (nopWebAudioBackend) Play() error                                 { return nil }
func (nopWebAudioBackend) Pause() error                                { return nil }
func (nopWebAudioBackend) WriteBuffer(main, wrap []byte) (uint32, error) {
	return uint32(len(main) + len(wrap)), nil
}
func (nopWebAudioBackend) SetEOS() error                { return nil }
func (nopWebAudioBackend) QueuedBytes() (uint64, error) { return 0, nil }
func (nopWebAudioBackend) Close() error                 { return nil }

type fakeClient struct{}

func (fakeClient) NotifyPlaybackStateChange(events.PlaybackStateChangeEvent)         {}
func (fakeClient) NotifyNetworkStateChange(events.NetworkStateChangeEvent)           {}
func (fakeClient) NotifyPositionChange(events.PositionChangeEvent)                   {}
func (fakeClient) NotifyNeedMediaData(events.NeedMediaDataEvent)                     {}
func (fakeClient) NotifyBufferUnderflow(events.BufferUnderflowEvent)                 {}
func (fakeClient) NotifyQos(events.QosEvent)                                         {}
func (fakeClient) NotifyPlaybackError(events.PlaybackErrorEvent)                     {}
func (fakeClient) NotifySourceFlushed(events.SourceFlushedEvent)                     {}
func (fakeClient) NotifyApplicationStateChange(events.ApplicationStateChangeEvent)   {}
func (fakeClient) NotifyPing(events.PingEvent)                                       {}
func (fakeClient) NotifyAck(events.AckEvent)                                         {}

func newTestService(t *testing.T, maxPlaybacks, maxWebAudio int) (*Service, *shm.Buffer) {
	t.Helper()
	buf, err := shm.New(maxPlaybacks, maxWebAudio, shm.DefaultSizes)
	if err != nil {
		t.Fatalf("shm.New: %v", err)
	}
	t.Cleanup(func() { buf.Close() })

	svc := New(
		func() (pipeline.Backend, error) { return newNopBackend(), nil },
		func(string, int, int) (webaudio.Backend, error) { return nopWebAudioBackend{}, nil },
		logging.Nop(),
	)
	svc.Configure(maxPlaybacks, maxWebAudio)
	svc.SetSharedMemory(buf)
	return svc, buf
}

func TestCreateSessionRefusedWhenNotActive(t *testing.T) {
	svc := New(
		func() (pipeline.Backend, error) { return newNopBackend(), nil },
		func(string, int, int) (webaudio.Backend, error) { return nopWebAudioBackend{}, nil },
		logging.Nop(),
	)
	if _, err := svc.CreateSession(fakeClient{}, 1920, 1080); err == nil {
		t.Fatal("expected CreateSession to fail before Configure")
	}
}

func TestSessionCapacityEnforced(t *testing.T) {
	svc, _ := newTestService(t, 1, 1)

	id, err := svc.CreateSession(fakeClient{}, 1920, 1080)
	if err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	if _, err := svc.CreateSession(fakeClient{}, 1920, 1080); err == nil {
		t.Fatal("expected second CreateSession to fail at maxPlaybacks")
	}

	if err := svc.DestroySession(id); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}
	if _, err := svc.CreateSession(fakeClient{}, 1920, 1080); err != nil {
		t.Fatalf("expected CreateSession to succeed after a destroy freed capacity: %v", err)
	}
}

func TestWebAudioCapacityEnforced(t *testing.T) {
	svc, _ := newTestService(t, 1, 1)

	handle, err := svc.CreateWebAudioPlayer(fakeClient{}, "audio/x-raw", 48000, 2, 4)
	if err != nil {
		t.Fatalf("first CreateWebAudioPlayer: %v", err)
	}
	if _, err := svc.CreateWebAudioPlayer(fakeClient{}, "audio/x-raw", 48000, 2, 4); err == nil {
		t.Fatal("expected second CreateWebAudioPlayer to fail at maxWebAudio")
	}
	if err := svc.DestroyWebAudioPlayer(handle); err != nil {
		t.Fatalf("DestroyWebAudioPlayer: %v", err)
	}
}

func TestDestroyUnknownIDFails(t *testing.T) {
	svc, _ := newTestService(t, 1, 1)
	if err := svc.DestroySession(999); err == nil {
		t.Fatal("expected DestroySession to fail for unknown id")
	}
	if err := svc.DestroyWebAudioPlayer(999); err == nil {
		t.Fatal("expected DestroyWebAudioPlayer to fail for unknown handle")
	}
}

func TestClearResetsRegistryAndDeactivates(t *testing.T) {
	svc, _ := newTestService(t, 2, 2)
	if _, err := svc.CreateSession(fakeClient{}, 1920, 1080); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	svc.Clear()

	if _, err := svc.CreateSession(fakeClient{}, 1920, 1080); err == nil {
		t.Fatal("expected CreateSession to fail after Clear deactivates the service")
	}
	if svc.LiveCount() != 0 {
		t.Fatalf("expected LiveCount 0 after Clear, got %d", svc.LiveCount())
	}
}
