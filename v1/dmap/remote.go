// Package dmap provides maps stored in a Redis hash: RemoteMap talks to the
// hash directly, CachedMap serves reads from a local cache kept in sync
// through broadcast updates.
package dmap

import (
	"context"
	"reflect"

	"github.com/mirkobrombin/go-rift/v1/adapter"
	"github.com/mirkobrombin/go-rift/v1/codec"
)

// RemoteMap is a typed view of the hash stored at key. Fields are encoded
// with the serializer's raw codec, values with its value codec.
type RemoteMap[F comparable, V any] struct {
	key        string
	hash       adapter.Hash
	serializer *codec.Serializer
}

// NewRemote returns the map stored at key.
func NewRemote[F comparable, V any](hash adapter.Hash, s *codec.Serializer, key string) *RemoteMap[F, V] {
	if s == nil {
		s = codec.NewSerializer(nil)
	}
	return &RemoteMap[F, V]{key: key, hash: hash, serializer: s}
}

// Key returns the hash key.
func (m *RemoteMap[F, V]) Key() string { return m.key }

// Serializer returns the serializer encoding fields and values.
func (m *RemoteMap[F, V]) Serializer() *codec.Serializer { return m.serializer }

// Set stores value under field. A nil value is not stored and Set reports
// false.
func (m *RemoteMap[F, V]) Set(ctx context.Context, field F, value V) (bool, error) {
	if isNil(value) {
		return false, nil
	}
	rawField, err := m.serializer.MarshalRaw(field)
	if err != nil {
		return false, err
	}
	rawValue, err := m.serializer.Marshal(value)
	if err != nil {
		return false, err
	}
	if err := m.hash.HSet(ctx, m.key, rawField, rawValue); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the value stored under field.
func (m *RemoteMap[F, V]) Get(ctx context.Context, field F) (V, bool, error) {
	var zero V
	rawField, err := m.serializer.MarshalRaw(field)
	if err != nil {
		return zero, false, err
	}
	raw, ok, err := m.hash.HGet(ctx, m.key, rawField)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := m.decodeValue(raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Del removes field and reports whether it existed.
func (m *RemoteMap[F, V]) Del(ctx context.Context, field F) (bool, error) {
	rawField, err := m.serializer.MarshalRaw(field)
	if err != nil {
		return false, err
	}
	n, err := m.hash.HDel(ctx, m.key, rawField)
	return n > 0, err
}

// Fields returns every field of the map.
func (m *RemoteMap[F, V]) Fields(ctx context.Context) ([]F, error) {
	entries, err := m.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]F, 0, len(entries))
	for f := range entries {
		out = append(out, f)
	}
	return out, nil
}

// Values returns every value of the map.
func (m *RemoteMap[F, V]) Values(ctx context.Context) ([]V, error) {
	entries, err := m.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]V, 0, len(entries))
	for _, v := range entries {
		out = append(out, v)
	}
	return out, nil
}

// Entries returns the whole map decoded.
func (m *RemoteMap[F, V]) Entries(ctx context.Context) (map[F]V, error) {
	raw, err := m.hash.HGetAll(ctx, m.key)
	if err != nil {
		return nil, err
	}
	out := make(map[F]V, len(raw))
	for rf, rv := range raw {
		f, err := m.decodeField(rf)
		if err != nil {
			return nil, err
		}
		v, err := m.decodeValue(rv)
		if err != nil {
			return nil, err
		}
		out[f] = v
	}
	return out, nil
}

// Len returns the number of fields.
func (m *RemoteMap[F, V]) Len(ctx context.Context) (int64, error) {
	return m.hash.HLen(ctx, m.key)
}

func (m *RemoteMap[F, V]) decodeField(raw string) (F, error) {
	var f F
	err := m.serializer.UnmarshalRaw(raw, &f)
	return f, err
}

func (m *RemoteMap[F, V]) decodeValue(raw string) (V, error) {
	var v V
	err := m.serializer.Unmarshal(raw, &v)
	return v, err
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
