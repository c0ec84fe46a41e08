// Package types provides domain models shared across telemetryd components.
//
// Zero-dependency design: types.go and errors.go use only the standard library
// so the packet model can be embedded by the shell without pulling in the
// store or transport stacks. ID utilities in ids.go import uuid but are
// isolated in their own file.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ClientID is the semi-persistent identity of one installation.
// Generated once (UUIDv7), persisted, and never regenerated while present.
type ClientID string

// PacketID is the random per-packet identifier (UUIDv4).
type PacketID string

// Automatic packet fields filled by Client.AddEvent.
// Caller-supplied fields with the same names take precedence.
const (
	FieldClientID     = "clientID"
	FieldID           = "id"
	FieldName         = "name"
	FieldPlatform     = "platform"
	FieldTimestamp    = "timestamp"
	FieldUserTimezone = "userTimezone"
)

// Packet is one telemetry event as delivered on the wire.
// Immutable once enqueued; the delivery loop only touches the PacketInfo wrapper.
type Packet map[string]any

// Name returns the event name, or "" when the field is missing or not a string.
func (p Packet) Name() string {
	s, _ := p[FieldName].(string)
	return s
}

// ID returns the packet ID, or "" when the field is missing or not a string.
func (p Packet) ID() PacketID {
	s, _ := p[FieldID].(string)
	return PacketID(s)
}

// DecodePacket parses a JSON packet, keeping numbers as json.Number so
// integer fields such as timestamp re-encode exactly.
func DecodePacket(data []byte) (Packet, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var packet Packet
	if err := dec.Decode(&packet); err != nil {
		return nil, err
	}
	if packet == nil {
		return nil, fmt.Errorf("packet is not a JSON object")
	}
	return packet, nil
}

// PacketInfo wraps a Packet with its delivery bookkeeping.
// Attempts starts at 0 and is incremented before each delivery attempt.
type PacketInfo struct {
	Attempts int    `json:"attempts"`
	Packet   Packet `json:"packet"`
}

// OptIn is the user's telemetry consent state.
// Undecided is distinct from OptedOut: the shell still needs to ask.
type OptIn int

const (
	OptInUndecided OptIn = iota
	OptedIn
	OptedOut
)

// Stored representations. Kept stable because they live in user databases.
const (
	optInUndecidedText = "undecided"
	optedInText        = "opted_in"
	optedOutText       = "opted_out"
)

func (o OptIn) String() string {
	switch o {
	case OptedIn:
		return optedInText
	case OptedOut:
		return optedOutText
	default:
		return optInUndecidedText
	}
}

// Bool reports whether delivery is allowed. Undecided counts as not opted in.
func (o OptIn) Bool() bool {
	return o == OptedIn
}

// OptInFromBool coerces an explicit decision into OptedIn or OptedOut.
func OptInFromBool(v bool) OptIn {
	if v {
		return OptedIn
	}
	return OptedOut
}

// ParseOptIn accepts the stored names plus the usual boolean spellings.
// The empty string parses as OptInUndecided.
func ParseOptIn(s string) (OptIn, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", optInUndecidedText:
		return OptInUndecided, nil
	case optedInText, "true", "yes", "on", "1":
		return OptedIn, nil
	case optedOutText, "false", "no", "off", "0":
		return OptedOut, nil
	default:
		return OptInUndecided, fmt.Errorf("%w: %q", ErrInvalidOptIn, s)
	}
}

// MarshalJSON encodes the consent state by name.
func (o OptIn) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes a consent state name.
func (o *OptIn) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseOptIn(s)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Default limits. Non-positive overrides fall back to these values.
const (
	// DefaultQueueLimit bounds the number of packets held at once.
	DefaultQueueLimit = 100

	// DefaultDeliveryAttemptLimit bounds delivery attempts per packet.
	DefaultDeliveryAttemptLimit = 3
)
