// Package worker implements the single-consumer task queue that every
// per-entity MainThread is built from. Grounded on
// _examples/original_source/media/server/gstplayer/source/WorkerThread.cpp:
// one goroutine drains a condition-variable-guarded FIFO and executes each
// task to completion; Stop flips the running flag, after which the
// goroutine runs what is already queued and exits.
package worker

import "sync"

// Task is a unit of work executed on the worker's single goroutine.
type Task func()

// Worker is a single-consumer FIFO of Tasks. Producers from any goroutine
// may enqueue; exactly one goroutine (started by New) executes them, in
// enqueue order.
type Worker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	running bool
	stopped chan struct{}
}

// New starts the worker goroutine and returns the handle used to feed it.
func New() *Worker {
	w := &Worker{running: true, stopped: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.stopped)
	for {
		task, ok := w.waitForTask()
		if !ok {
			return
		}
		task()
	}
}

// waitForTask blocks until a task is available or the worker has been
// stopped with an empty queue. Tasks enqueued before Stop are always
// drained before the goroutine exits, even though running is already
// false by the time they're popped.
func (w *Worker) waitForTask() (Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) == 0 && w.running {
		w.cond.Wait()
	}
	if len(w.queue) == 0 {
		return nil, false
	}
	task := w.queue[0]
	w.queue = w.queue[1:]
	return task, true
}

// Enqueue appends task to the FIFO and reports whether it was queued.
// Fire-and-forget: it never blocks on execution. It returns false, without
// queuing anything, once the worker has been stopped — a caller that needs
// to know its task actually ran (EnqueueAndWait) must check this instead of
// assuming every Enqueue is eventually executed.
func (w *Worker) Enqueue(task Task) bool {
	if task == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return false
	}
	w.queue = append(w.queue, task)
	w.cond.Signal()
	return true
}

// EnqueueAndWait appends task and blocks the caller until it has run. If
// the worker has already been stopped (e.g. a concurrent Session.Destroy),
// Enqueue drops the task silently, so EnqueueAndWait must not block on a
// done channel that will never close; it returns immediately instead.
func (w *Worker) EnqueueAndWait(task Task) {
	if task == nil {
		return
	}
	done := make(chan struct{})
	if !w.Enqueue(func() {
		task()
		close(done)
	}) {
		return
	}
	<-done
}

// Stop marks the worker stopped. From that moment Enqueue refuses new
// tasks; the goroutine still runs every task queued before the call and
// then exits. Stop does not wait for that; use Wait.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Wait blocks until the worker goroutine has exited.
func (w *Worker) Wait() {
	<-w.stopped
}
