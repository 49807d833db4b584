package change

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Marker identifies a change request for idempotency and recency checks.
type Marker struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// NewMarker mints a marker stamped with now. IDs are ULIDs, so for two
// markers minted in the same millisecond the later one sorts higher.
func NewMarker(now time.Time) Marker {
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())
	return Marker{ID: id.String(), Timestamp: now.UnixMilli()}
}

func (m Marker) IsZero() bool {
	return m.ID == "" && m.Timestamp == 0
}

// Compare orders markers by timestamp, then by id.
func (m Marker) Compare(other Marker) int {
	switch {
	case m.Timestamp < other.Timestamp:
		return -1
	case m.Timestamp > other.Timestamp:
		return 1
	}
	return strings.Compare(m.ID, other.ID)
}

// After reports whether m is strictly more recent than other.
func (m Marker) After(other Marker) bool {
	return m.Compare(other) > 0
}

func (m Marker) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}
