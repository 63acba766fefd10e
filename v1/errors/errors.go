// Package errors holds the error values shared across rift packages.
package errors

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// SerializationError reports a payload that could not be encoded or decoded.
type SerializationError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("rift: %s payload: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// TransportError reports a failed publish or subscribe call on a topic.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rift: %s on topic %q: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FromRedis maps go-redis and context failures onto the rift sentinels.
// Other errors are returned unchanged.
func FromRedis(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, redis.ErrClosed):
		return ErrConnectionClosed
	}
	return err
}
