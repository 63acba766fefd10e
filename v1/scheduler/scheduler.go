// Package scheduler runs periodic tasks on their own goroutines.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidInterval is returned when a non-positive interval is provided.
var ErrInvalidInterval = errors.New("scheduler: interval must be positive")

// ErrClosed is returned when scheduling on a closed Scheduler.
var ErrClosed = errors.New("scheduler: closed")

// TaskFunc is the body of a periodic task. Its context is cancelled when the
// task is.
type TaskFunc func(ctx context.Context)

// Task is a handle on a scheduled task.
type Task struct {
	s      *Scheduler
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Cancel stops the task. It does not wait for a running invocation, so it is
// safe to call from inside the task itself.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.cancel()
		close(t.stop)
	})
	t.s.forget(t.id)
}

// Done is closed after the task goroutine has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// Scheduler runs tasks at a fixed interval.
type Scheduler struct {
	mu     sync.Mutex
	next   uint64
	tasks  map[uint64]*Task
	closed bool
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{tasks: make(map[uint64]*Task)}
}

// Schedule runs fn every interval, first after one interval has elapsed.
func (s *Scheduler) Schedule(fn TaskFunc, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.next++
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		s:      s,
		id:     s.next,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.tasks[t.id] = t
	go t.run(fn, interval)
	return t, nil
}

func (t *Task) run(fn TaskFunc, interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if t.ctx.Err() != nil {
				return
			}
			fn(t.ctx)
		case <-t.stop:
			return
		}
	}
}

func (s *Scheduler) forget(id uint64) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// Len returns the number of active tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task and waits for their goroutines to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
		<-t.done
	}
}
