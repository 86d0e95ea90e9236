package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"rialto/internal/control"
	"rialto/internal/logging"
	"rialto/internal/pipeline"
	"rialto/internal/pipeline/webrtcsink"
	"rialto/internal/playback"
	"rialto/internal/serverstate"
	"rialto/internal/shm"
	"rialto/internal/webaudio"
)

var (
	flagSocket      = flag.String("socket", "/tmp/rialto.sock", "RPC socket path advertised to clients")
	flagMaxSessions = flag.Int("max-sessions", 8, "Maximum concurrent media pipeline sessions")
	flagMaxWebAudio = flag.Int("max-webaudio", 4, "Maximum concurrent web-audio players")
	flagDebug       = flag.Bool("debug", false, "Enable human-readable development logging")
)

func main() {
	flag.Parse()

	log, err := logging.New(*flagDebug)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	pb := playback.New(
		func() (pipeline.Backend, error) { return webrtcsink.New() },
		newWebAudioBackend,
		log,
	)
	manager := serverstate.New(pb, shm.DefaultSizes, log)
	ctrl := control.New(manager, pb, log)

	if err := manager.SetConfiguration(serverstate.Configuration{
		SocketName:  *flagSocket,
		MaxSessions: *flagMaxSessions,
		MaxWebAudio: *flagMaxWebAudio,
	}); err != nil {
		log.Fatal("setConfiguration failed", zap.Error(err))
	}
	if err := manager.SetState(serverstate.Inactive); err != nil {
		log.Fatal("initial INACTIVE transition failed", zap.Error(err))
	}
	if err := manager.SetState(serverstate.Active); err != nil {
		log.Fatal("ACTIVE transition failed", zap.Error(err))
	}

	log.Info("rialto server ready",
		zap.String("socket", *flagSocket),
		zap.Int("maxSessions", *flagMaxSessions),
		zap.Int("maxWebAudio", *flagMaxWebAudio),
	)

	_ = ctrl // the RPC transport that dispatches into ctrl/pb is out of scope

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if err := manager.SetState(serverstate.NotRunning); err != nil {
		log.Error("shutdown transition failed", zap.Error(err))
	}
}

// newWebAudioBackend is a placeholder audio sink: a real deployment wires
// this to the same streaming framework the pipeline package abstracts
// over. It exists so PlaybackService.CreateWebAudioPlayer has a concrete
// Backend to construct.
func newWebAudioBackend(mimeType string, sampleRate, channels int) (webaudio.Backend, error) {
	return &nopWebAudioBackend{}, nil
}

type nopWebAudioBackend struct{}

func (nopWebAudioBackend) SetCaps(mimeType string, sampleRate, channels int) error { return nil }
func (nopWebAudioBackend) Play() error                                            { return nil }
func (nopWebAudioBackend) Pause() error                                           { return nil }
func (nopWebAudioBackend) WriteBuffer(main, wrap []byte) (uint32, error) {
	return uint32(len(main) + len(wrap)), nil
}
func (nopWebAudioBackend) SetEOS() error             { return nil }
func (nopWebAudioBackend) QueuedBytes() (uint64, error) { return 0, nil }
func (nopWebAudioBackend) Close() error              { return nil }
