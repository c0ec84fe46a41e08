package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewClientID generates a UUIDv7 client identifier.
// Time-ordered so installations sort by first run on the server side.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewClientID() ClientID {
	return ClientID(uuid.Must(uuid.NewV7()).String())
}

// NewPacketID generates a random UUIDv4 packet identifier.
func NewPacketID() PacketID {
	return PacketID(uuid.NewString())
}

// ParseClientID validates and converts a string to ClientID.
// Rejects malformed UUIDs so a typo in configuration cannot become an identity.
func ParseClientID(s string) (ClientID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidClientID, err)
	}
	return ClientID(s), nil
}

// ClientIDTime extracts the first-run time embedded in a UUIDv7 client ID.
// Returns zero time for invalid or non-v7 IDs; caller should check IsZero().
func ClientIDTime(id ClientID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil || u.Version() != 7 {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
