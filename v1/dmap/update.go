package dmap

import (
	"errors"

	"github.com/mirkobrombin/go-rift/v1/packet"
)

// UpdateKind is the kind of the default update packet.
const UpdateKind = "rift.map.update"

// UpdatePacket announces a change to one field of a cached map. A nil value
// marks a deletion.
type UpdatePacket interface {
	packet.Packet
	UpdateField() string
	UpdateValue() *string
}

// UpdateFactory builds the update packet for an encoded field and value.
// It must return a new packet on every call.
type UpdateFactory func(field string, value *string) UpdatePacket

// Update is the default UpdatePacket.
type Update struct {
	packet.Envelope
	Field string  `json:"key"`
	Value *string `json:"value"`
}

func (*Update) Kind() string { return UpdateKind }

func (u *Update) UpdateField() string  { return u.Field }
func (u *Update) UpdateValue() *string { return u.Value }

// NewUpdate is the default UpdateFactory.
func NewUpdate(field string, value *string) UpdatePacket {
	return &Update{Field: field, Value: value}
}

// registerFactory makes the packets built by f decodable through reg.
func registerFactory(reg *packet.Registry, f UpdateFactory) (string, error) {
	kind := f("", nil).Kind()
	err := reg.Register(kind, func() packet.Packet { return f("", nil) })
	if err != nil && !errors.Is(err, packet.ErrKindRegistered) {
		return "", err
	}
	return kind, nil
}
