package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-rift/v1/adapter"
	"github.com/mirkobrombin/go-rift/v1/metrics"
	"github.com/mirkobrombin/go-rift/v1/scheduler"
)

const (
	// DefaultDelay is the base retry delay.
	DefaultDelay = 150 * time.Millisecond
	// DefaultUntil is both the lease and the retry delay ceiling.
	DefaultUntil = 3 * time.Second
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-rift/v1/lock")

type options struct {
	delay    time.Duration
	until    time.Duration
	tries    int
	interval time.Duration
	sched    *scheduler.Scheduler
	watcher  *Watcher
}

// Option configures a Lock.
type Option func(*options)

// WithDelay sets the base retry delay.
func WithDelay(d time.Duration) Option {
	return func(o *options) { o.delay = d }
}

// WithUntil sets the lease of the remote key, which is also the ceiling of
// the retry delay.
func WithUntil(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.until = d
		}
	}
}

// WithTries bounds the number of acquisition attempts. Unlimited disables
// the bound.
func WithTries(n int) Option {
	return func(o *options) { o.tries = n }
}

// WithRenewInterval sets how often the lease is renewed while held.
func WithRenewInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithScheduler sets the scheduler running lease renewal.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(o *options) { o.sched = s }
}

// WithWatcher makes the lock share w instead of creating its own watcher.
// Locks sharing a watcher reenter each other through the context owner; the
// lease and renewal interval are those of w.
func WithWatcher(w *Watcher) Option {
	return func(o *options) { o.watcher = w }
}

// Lock is a reentrant distributed lock on one key.
type Lock struct {
	watcher  *Watcher
	executor Executor
}

// New returns a lock on key stored in store. identity is written as the
// value of the remote key and must be unique per process.
func New(store adapter.KeyValue, key, identity string, opts ...Option) *Lock {
	o := options{delay: DefaultDelay, until: DefaultUntil, tries: Unlimited}
	for _, opt := range opts {
		opt(&o)
	}
	w := o.watcher
	if w == nil {
		if o.sched == nil {
			o.sched = scheduler.New()
		}
		w = NewWatcher(store, o.sched, key, identity, o.until, o.interval)
	}
	return &Lock{
		watcher:  w,
		executor: Executor{Delay: o.delay, MaxDelay: o.until, Tries: o.tries},
	}
}

// Key returns the locked key.
func (l *Lock) Key() string { return l.watcher.Key() }

// Watcher returns the underlying watcher.
func (l *Lock) Watcher() *Watcher { return l.watcher }

// Held reports whether this process holds the lock.
func (l *Lock) Held() bool { return l.watcher.Held() }

// Execute acquires the lock, retrying while it is unavailable, runs body and
// releases the lock. body receives a context carrying the lock owner; lock
// calls made with that context reenter. Errors from body are returned
// unchanged. *RetriesExhaustedError is returned when the retry budget runs
// out.
func (l *Lock) Execute(ctx context.Context, body func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "Lock.Execute", trace.WithAttributes(
		attribute.String("rift.lock", l.Key()),
	))
	defer span.End()

	owner, ctx := ownerOf(ctx)
	err := l.executor.Run(ctx, func(ctx context.Context, n int) error {
		outer, err := l.watcher.acquireOrFail(ctx, owner)
		if err != nil {
			if errors.Is(err, ErrLockUnavailable) {
				metrics.LockContentionCounter.Inc()
			}
			return err
		}
		span.SetAttributes(attribute.Int("rift.lock.attempts", n))
		return l.hold(ctx, owner, outer, body)
	})
	if errors.Is(err, ErrRetriesExhausted) {
		metrics.LockExhaustedCounter.Inc()
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Supply is Execute for bodies producing a value.
func Supply[T any](ctx context.Context, l *Lock, body func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Execute(ctx, func(ctx context.Context) error {
		v, err := body(ctx)
		out = v
		return err
	})
	return out, err
}

// TryOnce makes a single acquisition attempt and runs body if it succeeds.
// It reports whether body ran; a held lock is not an error.
func (l *Lock) TryOnce(ctx context.Context, body func(ctx context.Context) error) (bool, error) {
	ctx, span := tracer.Start(ctx, "Lock.TryOnce", trace.WithAttributes(
		attribute.String("rift.lock", l.Key()),
	))
	defer span.End()

	owner, ctx := ownerOf(ctx)
	ok, outer, err := l.watcher.acquire(ctx, owner)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if !ok {
		metrics.LockContentionCounter.Inc()
		return false, nil
	}
	return true, l.hold(ctx, owner, outer, body)
}

// ForceRelease drops the lock whoever holds it.
func (l *Lock) ForceRelease(ctx context.Context) error {
	return l.watcher.ForceRelease(ctx)
}

// hold runs body with the lock held by owner, renewing the lease when this
// is the outermost acquisition, and releases it on every path.
func (l *Lock) hold(ctx context.Context, owner Owner, outer bool, body func(ctx context.Context) error) (err error) {
	start := time.Now()
	if outer {
		metrics.LockAcquiredCounter.Inc()
		if werr := l.watcher.StartWatching(); werr != nil {
			slog.Warn("rift: lock renewal not started", "key", l.Key(), "err", werr)
		}
	}
	defer func() {
		if outer {
			l.watcher.StopWatching()
			metrics.LockHoldHistogram.Observe(time.Since(start).Seconds())
		}
		if rerr := l.watcher.Release(context.WithoutCancel(ctx), owner); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return body(ctx)
}
