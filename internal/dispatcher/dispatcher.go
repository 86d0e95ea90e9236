// Package dispatcher polls a pipeline.Backend's bus on its own goroutine
// and forwards messages to a Handler, filtering the high-volume
// STATE_CHANGED noise that isn't sourced from the pipeline itself (grounded
// on GstDispatcherThread.cpp, which does the identical filter on the
// object backing each bus message).
package dispatcher

import (
	"time"

	"go.uber.org/zap"

	"rialto/internal/pipeline"
)

// pollTimeout mirrors the original's 100ms GstBusTimedPopFiltered wait.
const pollTimeout = 100 * time.Millisecond

// Handler receives filtered bus events on the dispatcher's own goroutine.
// Implementations must not block for long: the dispatcher has nothing else
// to do, but a slow handler delays noticing pipeline failures.
type Handler interface {
	HandleBusEvent(pipeline.BusEvent)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(pipeline.BusEvent)

func (f HandlerFunc) HandleBusEvent(ev pipeline.BusEvent) { f(ev) }

// Dispatcher is the per-session bus-polling thread.
type Dispatcher struct {
	bus     <-chan pipeline.BusEvent
	handler Handler
	log     *zap.Logger
	stop    chan struct{}
	done    chan struct{}
}

// New starts a Dispatcher immediately, polling bus and delivering filtered
// events to handler until Stop is called.
func New(bus <-chan pipeline.BusEvent, handler Handler, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		bus:     bus,
		handler: handler,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	d.log.Info("dispatcher starting")
	ticker := time.NewTicker(pollTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			d.log.Info("dispatcher exiting")
			return
		case ev, ok := <-d.bus:
			if !ok {
				d.log.Info("dispatcher exiting: bus closed")
				return
			}
			d.deliver(ev)
		case <-ticker.C:
			// matches the original's bounded-timeout poll; nothing to do
			// when no message arrived within the window.
		}
	}
}

func (d *Dispatcher) deliver(ev pipeline.BusEvent) {
	if ev.Type == pipeline.BusStateChanged && !ev.IsPipelineSource {
		// Skipping STATE_CHANGED for non-pipeline objects significantly
		// reduces traffic through the session's worker.
		return
	}
	if ev.Type == pipeline.BusError {
		d.log.Error("pipeline error", zap.String("message", ev.Message))
	}
	d.handler.HandleBusEvent(ev)
}

// Stop signals the polling goroutine to exit and waits for it to do so.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}
