package events

import "time"

// Cursor is a replication position: the (occurred_at, event_id) of the
// last event consumed. The zero Cursor means "from the beginning".
type Cursor struct {
	OccurredAt time.Time `json:"occurred_at"`
	EventID    string    `json:"event_id"`
}

// IsZero reports whether c is the initial cursor.
func (c Cursor) IsZero() bool {
	return c.OccurredAt.IsZero() && c.EventID == ""
}

// Less reports whether c sorts strictly before other in replication order.
func (c Cursor) Less(other Cursor) bool {
	if !c.OccurredAt.Equal(other.OccurredAt) {
		return c.OccurredAt.Before(other.OccurredAt)
	}
	return c.EventID < other.EventID
}
