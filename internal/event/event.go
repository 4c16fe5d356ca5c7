// Package event defines the archival relay's minimal view of a pub/sub
// protocol event: enough to deduplicate, route through policy, and persist
// it without parsing or verifying its wire-level contents.
package event

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// IDSize is the byte length of an event identifier.
const IDSize = 32

// ID uniquely identifies an event, as a fixed-size hash.
type ID [IDSize]byte

// String renders the identifier as lowercase hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseID decodes a hex-encoded identifier.
func ParseID(s string) (ID, error) {
	var id ID
	s = strings.TrimSpace(s)
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("event: invalid id %q: %w", s, err)
	}
	if len(decoded) != IDSize {
		return id, fmt.Errorf("event: id %q has %d bytes, want %d", s, len(decoded), IDSize)
	}
	copy(id[:], decoded)
	return id, nil
}

// EphemeralKindLow and EphemeralKindHigh bound the ephemeral kind range
// [20000, 30000) that the archive never persists.
const (
	EphemeralKindLow  int64 = 20000
	EphemeralKindHigh int64 = 30000
)

// Event is the opaque record the archival relay ingests. JSON carries the
// canonical single-line serialization as produced by the upstream source;
// the archiver never re-derives or re-encodes it.
type Event struct {
	ID        ID
	CreatedAt int64
	Kind      int64
	JSON      string
}

// IsEphemeral reports whether the event's kind falls in the ephemeral range
// that the policy chain rejects outright.
func (e Event) IsEphemeral() bool {
	return e.Kind >= EphemeralKindLow && e.Kind < EphemeralKindHigh
}

// Validate reports structural problems that make an event unsafe to persist.
func (e Event) Validate() error {
	if strings.Contains(e.JSON, "\n") {
		return fmt.Errorf("event: json for %s contains an embedded newline", e.ID)
	}
	if e.JSON == "" {
		return fmt.Errorf("event: json for %s is empty", e.ID)
	}
	return nil
}
