package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

// Unlimited disables the retry budget.
const Unlimited = -1

// ErrRetriesExhausted matches every *RetriesExhaustedError.
var ErrRetriesExhausted = errors.New("lock: retries exhausted")

// RetriesExhaustedError is returned when the retry budget ran out while the
// lock stayed unavailable.
type RetriesExhaustedError struct {
	Attempts int
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("lock: retries exhausted after %d attempts", e.Attempts)
}

// Is makes errors.Is(err, ErrRetriesExhausted) hold.
func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// Unwrap exposes ErrLockUnavailable as the cause.
func (e *RetriesExhaustedError) Unwrap() error { return ErrLockUnavailable }

// Executor runs attempts until one does not fail with ErrLockUnavailable,
// sleeping a randomized exponential backoff in between.
type Executor struct {
	Delay    time.Duration
	MaxDelay time.Duration
	// Tries bounds the number of attempts. Unlimited retries forever.
	Tries int
}

// Backoff returns the sleep before retry n (n >= 1): a uniform draw from
// [d/2, d] where d = min(Delay*2^n, MaxDelay).
func (e Executor) Backoff(n int) time.Duration {
	d := e.ceiling(n)
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d-half)+1))
}

func (e Executor) ceiling(n int) time.Duration {
	if e.Delay <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	if n < 62 {
		if d := e.Delay << n; d>>n == e.Delay && d > 0 && (e.MaxDelay <= 0 || d < e.MaxDelay) {
			return d
		}
	}
	return e.MaxDelay
}

// Run calls attempt until it succeeds, fails with an error other than
// ErrLockUnavailable, or the budget is spent. Attempts are numbered from 1.
func (e Executor) Run(ctx context.Context, attempt func(ctx context.Context, n int) error) error {
	if e.Tries == 0 {
		return &RetriesExhaustedError{}
	}

	attempts := 0
	var backoff retry.BackoffFunc = func() (time.Duration, bool) {
		if e.Tries != Unlimited && attempts >= e.Tries {
			return 0, true
		}
		return e.Backoff(attempts), false
	}

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := attempt(ctx, attempts)
		if errors.Is(err, ErrLockUnavailable) && !errors.Is(err, ErrRetriesExhausted) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, ErrLockUnavailable) && !errors.Is(err, ErrRetriesExhausted) {
		return &RetriesExhaustedError{Attempts: attempts}
	}
	return err
}
