// Package packet defines the message envelope exchanged by rift brokers.
//
// Every packet carries three addressing fields. Source identifies the broker
// that first published it and is never overwritten once set. ReplyTo holds the
// correlation id of a pending request. Target is set on responses and names
// the correlation id they answer; a packet without a target is a broadcast.
package packet

// Packet is implemented by every message sent through a broker. Concrete
// packets usually embed Envelope and only provide Kind.
type Packet interface {
	// Kind is the tag used to route and decode the packet.
	Kind() string

	Source() string
	SetSource(id string)
	ReplyTo() string
	SetReplyTo(id string)
	Target() string
	SetTarget(id string)
}

// Envelope implements the addressing part of Packet.
type Envelope struct {
	From string `json:"source,omitempty"`
	Corr string `json:"replyTo,omitempty"`
	To   string `json:"target,omitempty"`
}

// Source returns the identity of the broker that first published the packet.
func (e *Envelope) Source() string { return e.From }

// SetSource sets the source identity.
func (e *Envelope) SetSource(id string) { e.From = id }

// ReplyTo returns the correlation id responses must target.
func (e *Envelope) ReplyTo() string { return e.Corr }

// SetReplyTo sets the correlation id.
func (e *Envelope) SetReplyTo(id string) { e.Corr = id }

// Target returns the correlation id this packet answers.
func (e *Envelope) Target() string { return e.To }

// SetTarget sets the correlation id this packet answers.
func (e *Envelope) SetTarget(id string) { e.To = id }

// IsBroadcast reports whether the packet has no target.
func (e *Envelope) IsBroadcast() bool { return e.To == "" }

// PointAt marks the envelope as the response to request and returns it.
// Use Reply to keep the concrete packet type.
func (e *Envelope) PointAt(request Packet) *Envelope {
	e.To = CorrelationID(request)
	return e
}

// CorrelationID returns the id a response to p must target: its reply-to
// field when set, its source otherwise.
func CorrelationID(p Packet) string {
	if id := p.ReplyTo(); id != "" {
		return id
	}
	return p.Source()
}

// Reply points resp at request and returns it, keeping its concrete type.
func Reply[P Packet](resp P, request Packet) P {
	resp.SetTarget(CorrelationID(request))
	return resp
}

// StampSource sets the source of p to id unless one is already present.
// It reports whether the packet was modified.
func StampSource(p Packet, id string) bool {
	if p.Source() != "" {
		return false
	}
	p.SetSource(id)
	return true
}
