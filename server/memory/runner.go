package memory

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

// TaskRunner executes fire-and-forget background work on a bounded
// worker pool. Each worker owns its queue and tasks are dispatched by
// key hash, so tasks sharing a key run in submission order on one
// worker. Its contract matches the memory-write path: task failures are
// logged and swallowed, never propagated to the request path, and a
// full queue drops the task rather than blocking a caller.
type TaskRunner struct {
	queues []chan task
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type task struct {
	name string
	fn   func(ctx context.Context)
}

// NewTaskRunner starts a runner with the given pool size and total
// queue depth, split evenly across the workers.
func NewTaskRunner(workers, queueSize int, logger *slog.Logger) *TaskRunner {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	perWorker := queueSize / workers
	if perWorker < 1 {
		perWorker = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &TaskRunner{
		queues: make([]chan task, workers),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	for i := range r.queues {
		r.queues[i] = make(chan task, perWorker)
		r.wg.Add(1)
		go r.worker(r.queues[i])
	}

	return r
}

// Go schedules fn on the worker that owns key. It never blocks: when
// that worker's queue is full the task is dropped with a warning.
func (r *TaskRunner) Go(key, name string, fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.logger.Warn("background task rejected: runner closed", "task", name)
		return
	}

	queue := r.queues[keyHash(key)%uint32(len(r.queues))]
	select {
	case queue <- task{name: name, fn: fn}:
	default:
		r.logger.Warn("background task dropped: queue full", "task", name)
	}
}

// Close stops accepting tasks, runs what is already queued, and waits
// for the workers to finish.
func (r *TaskRunner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, queue := range r.queues {
		close(queue)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()
}

func (r *TaskRunner) worker(queue chan task) {
	defer r.wg.Done()

	for t := range queue {
		r.run(t)
	}
}

func (r *TaskRunner) run(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("background task panicked", "task", t.name, "panic", rec)
		}
	}()
	t.fn(r.ctx)
}

func keyHash(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
