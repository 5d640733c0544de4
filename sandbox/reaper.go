package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/apperror"
)

// DefaultCleanupTimeout bounds each cleanup task
const DefaultCleanupTimeout = 10 * time.Second

// CleanupFunc releases one resource
type CleanupFunc func(ctx context.Context) error

type cleanupTask struct {
	name string
	fn   CleanupFunc
}

// Reaper collects per-request cleanup tasks and runs them in reverse order.
// Failures are logged and counted, never returned to the caller. A nil
// *Reaper accepts and ignores tasks.
type Reaper struct {
	logger  *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	tasks []cleanupTask
}

// NewReaper creates a Reaper
func NewReaper(logger *zap.Logger) *Reaper {
	return &Reaper{logger: logger, timeout: DefaultCleanupTimeout}
}

// Add registers a cleanup task
func (r *Reaper) Add(name string, fn CleanupFunc) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, cleanupTask{name: name, fn: fn})
}

// Pending returns the number of registered tasks not yet run
func (r *Reaper) Pending() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Reap runs every registered task, last added first, and returns how many
// failed. Each task gets its own timeout detached from the request context
// so cleanup still happens after the caller gave up. Reap may be called
// more than once; tasks run only once.
func (r *Reaper) Reap() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()

	failures := 0
	for i := len(tasks) - 1; i >= 0; i-- {
		if err := r.run(tasks[i]); err != nil {
			failures++
			r.logger.Error("cleanup failed",
				zap.String("resource", tasks[i].name),
				zap.Error(err))
		}
	}
	return failures
}

func (r *Reaper) run(task cleanupTask) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("cleanup panicked", zap.String("resource", task.name), zap.Any("panic", p))
			err = apperror.Cleanup(task.name, fmt.Errorf("panic: %v", p))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return task.fn(ctx)
}
