// Package mainthread implements the per-entity single-consumer cooperative
// scheduler that every MediaPipelineSession and WebAudioSession
// marshals its RPC-driven work onto. It is a thin, multi-producer contract
// layered over worker.Worker: RegisterClient hands back an opaque clientId,
// EnqueueTask is fire-and-forget, EnqueueTaskAndWait blocks the RPC-calling
// goroutine until the task has run. Tasks from the same producer execute in
// FIFO order; across producers, ordering is enqueue-time FIFO — the single
// underlying worker queue gives us both for free.
package mainthread

import (
	"github.com/google/uuid"

	"rialto/internal/worker"
)

// ClientID is the opaque handle returned by RegisterClient. It never
// crosses the RPC boundary — it only identifies a producer within this
// process for diagnostics.
type ClientID = uuid.UUID

// MainThread is the scheduler. The zero value is not usable; construct
// with New.
type MainThread struct {
	w *worker.Worker
}

// New starts the MainThread's worker goroutine.
func New() *MainThread {
	return &MainThread{w: worker.New()}
}

// RegisterClient returns a fresh opaque clientId for a producer.
func (m *MainThread) RegisterClient() ClientID {
	return uuid.New()
}

// EnqueueTask is fire-and-forget.
func (m *MainThread) EnqueueTask(_ ClientID, task func()) {
	m.w.Enqueue(task)
}

// EnqueueTaskAndWait blocks until task has run on the MainThread.
func (m *MainThread) EnqueueTaskAndWait(_ ClientID, task func()) {
	m.w.EnqueueAndWait(task)
}

// Shutdown posts the shutdown task, which is always ordered last: any task
// enqueued before Shutdown still runs, but nothing enqueued after it will.
// It blocks until the worker goroutine has fully exited.
func (m *MainThread) Shutdown() {
	m.w.Stop()
	m.w.Wait()
}
