package dispatch

import (
	"context"
	"fmt"

	"github.com/mirkobrombin/go-rift/v1/future"
	"github.com/mirkobrombin/go-rift/v1/packet"
)

func cast[P packet.Packet](p packet.Packet) (P, error) {
	v, ok := p.(P)
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: got %T, want %T", ErrUnexpectedPacket, p, zero)
	}
	return v, nil
}

// On adapts fn into a Handler that never replies.
func On[P packet.Packet](fn func(ctx context.Context, p P) error) Handler {
	return func(ctx context.Context, p packet.Packet) (any, error) {
		v, err := cast[P](p)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, v)
	}
}

// Reply adapts fn into a Handler whose result answers the request.
func Reply[P, R packet.Packet](fn func(ctx context.Context, p P) (R, error)) Handler {
	return func(ctx context.Context, p packet.Packet) (any, error) {
		v, err := cast[P](p)
		if err != nil {
			return nil, err
		}
		resp, err := fn(ctx, v)
		if err != nil {
			return nil, err
		}
		if isNil(resp) {
			return nil, nil
		}
		return packet.Packet(resp), nil
	}
}

// ReplyAsync adapts fn into a Handler answering once the returned future
// resolves.
func ReplyAsync[P, R packet.Packet](fn func(ctx context.Context, p P) (*future.Future[R], error)) Handler {
	return func(ctx context.Context, p packet.Packet) (any, error) {
		v, err := cast[P](p)
		if err != nil {
			return nil, err
		}
		fr, err := fn(ctx, v)
		if err != nil || fr == nil {
			return nil, err
		}
		out := future.New[packet.Packet]()
		go func() {
			select {
			case <-fr.Done():
			case <-out.Done():
				// Abandoned by the dispatcher.
				return
			}
			resp, err := fr.Await(context.Background())
			if err != nil {
				out.Fail(err)
				return
			}
			out.Complete(resp)
		}()
		return out, nil
	}
}
