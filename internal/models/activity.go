package models

import (
	"encoding/json"
	"time"
)

// ActivityLogEntry is one append-only audit record per processed event.
type ActivityLogEntry struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	EventType  string          `json:"event_type"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Details    json.RawMessage `json:"details,omitempty"`
}
