package runwire

import "time"

// Entity carries the timestamp pair shared by all persisted records.
// Both fields are always stored and transmitted in UTC; JSON encoding
// uses RFC 3339 with an explicit offset so parsing is unambiguous
// regardless of producer.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch sets UpdatedAt to now (UTC). CreatedAt is set too if zero.
func (e *Entity) Touch() {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
}
