package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	redis "github.com/redis/go-redis/v9"
)

func TestFromRedis(t *testing.T) {
	other := errors.New("boom")
	cases := []struct {
		in   error
		want error
	}{
		{nil, nil},
		{context.DeadlineExceeded, ErrTimeout},
		{fmt.Errorf("dial: %w", context.DeadlineExceeded), ErrTimeout},
		{redis.ErrClosed, ErrConnectionClosed},
		{other, other},
	}
	for _, tc := range cases {
		if got := FromRedis(tc.in); !errors.Is(got, tc.want) && got != tc.want {
			t.Fatalf("FromRedis(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	cause := errors.New("cause")
	var err error = &TransportError{Op: "publish", Topic: "t", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("TransportError does not unwrap")
	}
	err = fmt.Errorf("wrapped: %w", &SerializationError{Op: "decode", Err: cause})
	var serr *SerializationError
	if !errors.As(err, &serr) || serr.Op != "decode" || !errors.Is(err, cause) {
		t.Fatalf("unexpected SerializationError chain: %v", err)
	}
}
