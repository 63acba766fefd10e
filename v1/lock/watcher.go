package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-rift/v1/adapter"
	"github.com/mirkobrombin/go-rift/v1/scheduler"
)

// ErrLockUnavailable is returned when the lock is held by another process.
var ErrLockUnavailable = errors.New("lock: held by another process")

const (
	defaultRenewInterval = time.Second
	renewTimeout         = time.Second
)

// Watcher tracks ownership of one lock key for one process. The remote key
// holds the process identity while any local owner holds the lock; local
// owners reenter through per-owner counters without touching the store.
type Watcher struct {
	key      string
	identity string
	lease    time.Duration
	interval time.Duration
	store    adapter.KeyValue
	sched    *scheduler.Scheduler

	mu       sync.Mutex
	acquired bool
	owner    Owner
	counts   map[Owner]int
	total    int
	task     *scheduler.Task
}

// NewWatcher returns a watcher for key. lease is the expiry set on the
// remote key; the lease is renewed every interval while held. A
// non-positive interval defaults to one second, capped to a third of lease.
func NewWatcher(store adapter.KeyValue, sched *scheduler.Scheduler, key, identity string, lease, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = defaultRenewInterval
		if lease > 0 && interval >= lease {
			interval = lease / 3
		}
	}
	return &Watcher{
		key:      key,
		identity: identity,
		lease:    lease,
		interval: interval,
		store:    store,
		sched:    sched,
		counts:   make(map[Owner]int),
	}
}

// Key returns the remote key guarded by the watcher.
func (w *Watcher) Key() string { return w.key }

// Acquire takes the lock for owner. An owner already holding it reenters
// without contacting the store. It reports false when another process, or
// another local owner, holds the key.
func (w *Watcher) Acquire(ctx context.Context, owner Owner) (bool, error) {
	ok, _, err := w.acquire(ctx, owner)
	return ok, err
}

// acquire also reports whether this was the outermost acquisition.
func (w *Watcher) acquire(ctx context.Context, owner Owner) (ok, outer bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.acquired && w.owner == owner {
		w.counts[owner]++
		w.total++
		slog.Debug("rift: lock reacquired", "key", w.key, "owner", uint64(owner), "count", w.counts[owner])
		return true, false, nil
	}
	if w.acquired {
		return false, false, nil
	}

	ok, err = w.store.SetNX(ctx, w.key, w.identity, w.lease)
	if err != nil || !ok {
		return false, false, err
	}
	w.acquired = true
	w.owner = owner
	w.counts = map[Owner]int{owner: 1}
	w.total = 1
	return true, true, nil
}

// AcquireOrFail is Acquire returning ErrLockUnavailable instead of false.
func (w *Watcher) AcquireOrFail(ctx context.Context, owner Owner) error {
	_, err := w.acquireOrFail(ctx, owner)
	return err
}

func (w *Watcher) acquireOrFail(ctx context.Context, owner Owner) (outer bool, err error) {
	ok, outer, err := w.acquire(ctx, owner)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrLockUnavailable
	}
	return outer, nil
}

// Release undoes one acquisition by owner. The remote key is deleted once
// no acquisition is outstanding. Releasing a lock owner does not hold is a
// logged no-op.
func (w *Watcher) Release(ctx context.Context, owner Owner) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.acquired || w.owner != owner {
		slog.Warn("rift: release by non-owner ignored", "key", w.key, "owner", uint64(owner), "holder", uint64(w.owner))
		return nil
	}
	if w.counts[owner]--; w.counts[owner] <= 0 {
		delete(w.counts, owner)
	}
	if w.total--; w.total > 0 {
		return nil
	}

	w.acquired = false
	w.owner = 0
	w.total = 0
	_, err := w.store.CompareAndDelete(ctx, w.key, w.identity)
	return err
}

// StartWatching schedules lease renewal, replacing any previous renewal
// task.
func (w *Watcher) StartWatching() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	task, err := w.sched.Schedule(w.renew, w.interval)
	if err != nil {
		return err
	}
	w.task = task
	return nil
}

// StopWatching cancels lease renewal.
func (w *Watcher) StopWatching() {
	w.mu.Lock()
	w.stopLocked()
	w.mu.Unlock()
}

func (w *Watcher) stopLocked() {
	if w.task != nil {
		w.task.Cancel()
		w.task = nil
	}
}

func (w *Watcher) renew(taskCtx context.Context) {
	w.mu.Lock()
	held := w.acquired
	w.mu.Unlock()
	if !held {
		return
	}

	ctx, cancel := context.WithTimeout(taskCtx, renewTimeout)
	defer cancel()
	ok, err := w.store.CompareAndExpireAt(ctx, w.key, w.identity, time.Now().Add(w.lease))
	switch {
	case err != nil:
		// Cancelled tasks stop quietly.
		if taskCtx.Err() == nil {
			slog.Error("rift: lock renewal failed", "key", w.key, "err", err)
		}
	case !ok:
		// The key expired or now belongs to someone else.
		slog.Warn("rift: lock ownership lost, renewal stopped", "key", w.key)
		w.mu.Lock()
		// A replaced task has already been cancelled.
		if taskCtx.Err() == nil {
			w.stopLocked()
		}
		w.mu.Unlock()
	}
}

// ForceRelease stops renewal, forgets every local owner and deletes the
// remote key whoever holds it.
func (w *Watcher) ForceRelease(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	w.acquired = false
	w.owner = 0
	w.total = 0
	w.counts = make(map[Owner]int)
	_, err := w.store.Delete(ctx, w.key)
	return err
}

// Held reports whether this process holds the lock.
func (w *Watcher) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquired
}

// HeldBy reports whether owner holds the lock.
func (w *Watcher) HeldBy(owner Owner) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquired && w.owner == owner
}

// Count returns the number of outstanding acquisitions.
func (w *Watcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
