// Package background runs fire-and-forget work off the request path. Tasks
// are queued with a bound, executed by a small worker pool, and their
// failures are logged, never propagated back to a request.
package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize   = 1024
	defaultWorkers     = 8
	defaultTaskTimeout = 30 * time.Second
)

// Task is one unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner executes detached tasks. A full queue drops the task (with a log
// line) rather than blocking the caller.
type Runner struct {
	queue       chan Task
	taskTimeout time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates and starts a runner with the given queue size and worker
// count; zero values select defaults.
func New(queueSize, workers int) *Runner {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if workers <= 0 {
		workers = defaultWorkers
	}

	r := &Runner{
		queue:       make(chan Task, queueSize),
		taskTimeout: defaultTaskTimeout,
		stopped:     make(chan struct{}),
	}

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

// Go schedules a task. It never blocks and never returns an error to the
// caller: a saturated queue or failing task is an observability event, not a
// request failure.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	select {
	case <-r.stopped:
		slog.Warn("background task dropped, runner stopped", "task", name)
		return
	default:
	}

	select {
	case r.queue <- Task{Name: name, Run: fn}:
	default:
		slog.Warn("background task dropped, queue full", "task", name)
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case task := <-r.queue:
			r.run(task)
		case <-r.stopped:
			// Drain what was queued before shutdown.
			for {
				select {
				case task := <-r.queue:
					r.run(task)
				default:
					return
				}
			}
		}
	}
}

func (r *Runner) run(task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("background task panicked", "task", task.Name, "panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.taskTimeout)
	defer cancel()

	if err := task.Run(ctx); err != nil {
		slog.Warn("background task failed", "task", task.Name, "error", err)
	}
}

// Shutdown stops accepting tasks and waits for queued work to drain, up to
// the context deadline.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopped) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
