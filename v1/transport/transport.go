// Package transport moves string payloads between rift brokers over a
// publish/subscribe backend.
package transport

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
)

const transportTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-rift/v1/transport")

var (
	// ErrAlreadySubscribed is returned when a topic already has a listener on
	// the transport.
	ErrAlreadySubscribed = errors.New("transport: topic already subscribed")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// MessageFunc receives every payload published on a subscribed topic.
// Calls for the same topic are sequential.
type MessageFunc func(ctx context.Context, payload string)

// Transport is a publish/subscribe backend. Each topic has at most one
// listener per Transport; fan-out to handlers is the broker's job.
type Transport interface {
	Publish(ctx context.Context, topic, payload string) error
	Subscribe(ctx context.Context, topic string, fn MessageFunc) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
