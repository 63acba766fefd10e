package codec

import (
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"

	rifterrors "github.com/mirkobrombin/go-rift/v1/errors"
	"github.com/mirkobrombin/go-rift/v1/packet"
)

var errEmptyKind = stdErrors.New("packet has no kind")

// wire is the JSON frame written on transports.
type wire struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Serializer encodes packets using a kind registry and map values using a
// pluggable Codec. All failures are reported as *errors.SerializationError.
type Serializer struct {
	registry *packet.Registry
	values   Codec
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithValueCodec selects the codec used for map values. JSONCodec is the default.
func WithValueCodec(c Codec) Option {
	return func(s *Serializer) {
		if c != nil {
			s.values = c
		}
	}
}

// NewSerializer returns a Serializer decoding packets through reg.
func NewSerializer(reg *packet.Registry, opts ...Option) *Serializer {
	if reg == nil {
		reg = packet.NewRegistry()
	}
	s := &Serializer{registry: reg, values: JSONCodec{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the packet registry used for decoding.
func (s *Serializer) Registry() *packet.Registry { return s.registry }

// Encode serializes p into a transport payload.
func (s *Serializer) Encode(p packet.Packet) (string, error) {
	if p == nil {
		return "", encodeErr(stdErrors.New("nil packet"))
	}
	kind := p.Kind()
	if kind == "" {
		return "", encodeErr(errEmptyKind)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", encodeErr(err)
	}
	out, err := json.Marshal(wire{Kind: kind, Data: data})
	if err != nil {
		return "", encodeErr(err)
	}
	return string(out), nil
}

// Decode parses a transport payload back into its registered packet type.
func (s *Serializer) Decode(payload string) (packet.Packet, error) {
	var w wire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, decodeErr(err)
	}
	if w.Kind == "" {
		return nil, decodeErr(errEmptyKind)
	}
	p, err := s.registry.New(w.Kind)
	if err != nil {
		return nil, decodeErr(err)
	}
	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, p); err != nil {
			return nil, decodeErr(err)
		}
	}
	return p, nil
}

// Marshal encodes a map value with the value codec.
func (s *Serializer) Marshal(v any) (string, error) {
	data, err := s.values.Marshal(v)
	if err != nil {
		return "", encodeErr(err)
	}
	if isBinary(s.values) {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return string(data), nil
}

// Unmarshal decodes a map value produced by Marshal into v.
func (s *Serializer) Unmarshal(payload string, v any) error {
	data := []byte(payload)
	if isBinary(s.values) {
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return decodeErr(err)
		}
		data = raw
	}
	if err := s.values.Unmarshal(data, v); err != nil {
		return decodeErr(err)
	}
	return nil
}

// MarshalRaw encodes a map field. Strings are kept verbatim so hash fields
// stay readable; everything else is JSON.
func (s *Serializer) MarshalRaw(v any) (string, error) {
	switch f := v.(type) {
	case string:
		return f, nil
	case *string:
		if f != nil {
			return *f, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", encodeErr(err)
	}
	return string(data), nil
}

// UnmarshalRaw decodes a field produced by MarshalRaw into v.
func (s *Serializer) UnmarshalRaw(payload string, v any) error {
	if p, ok := v.(*string); ok {
		*p = payload
		return nil
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return decodeErr(err)
	}
	return nil
}

func isBinary(c Codec) bool {
	b, ok := c.(binaryCodec)
	return ok && b.Binary()
}

func encodeErr(err error) error {
	return &rifterrors.SerializationError{Op: "encode", Err: err}
}

func decodeErr(err error) error {
	return &rifterrors.SerializationError{Op: "decode", Err: err}
}
