package lock

import (
	"context"
	"sync/atomic"
)

// Owner identifies a logical holder of a lock within one process. The zero
// value means no owner.
type Owner uint64

var lastOwner atomic.Uint64

// NewOwner returns a fresh, process-unique Owner.
func NewOwner() Owner {
	return Owner(lastOwner.Add(1))
}

type ownerKey struct{}

// WithOwner returns a copy of ctx carrying o.
func WithOwner(ctx context.Context, o Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, o)
}

// OwnerFrom returns the Owner stored in ctx, if any.
func OwnerFrom(ctx context.Context) (Owner, bool) {
	o, ok := ctx.Value(ownerKey{}).(Owner)
	return o, ok && o != 0
}

// ownerOf returns the owner in ctx or a new one, along with a context
// carrying it.
func ownerOf(ctx context.Context) (Owner, context.Context) {
	if o, ok := OwnerFrom(ctx); ok {
		return o, ctx
	}
	o := NewOwner()
	return o, WithOwner(ctx, o)
}
