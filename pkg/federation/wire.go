package federation

import "github.com/Mindburn-Labs/helm-relay/pkg/events"

// Page sizes for POST /relay/replicate.
const (
	DefaultWindowLimit = 100
	MaxWindowLimit     = 1000
)

// ReplicateRequest is the body of POST /relay/replicate.
type ReplicateRequest struct {
	// Cursor is exclusive; the zero cursor requests from the beginning.
	Cursor events.Cursor `json:"cursor"`
	Limit  int           `json:"limit,omitempty"`
}

// ReplicateResponse is a replication window. NextCursor is the cursor of the
// last event, or the request cursor when the window is empty.
type ReplicateResponse struct {
	Events     []events.Event `json:"events"`
	NextCursor events.Cursor  `json:"next_cursor"`
}

// ClampLimit applies the window page-size bounds.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultWindowLimit
	case limit > MaxWindowLimit:
		return MaxWindowLimit
	default:
		return limit
	}
}
