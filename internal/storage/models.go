package storage

import (
	"encoding/json"
	"time"
)

// ConfigEntry is the persisted form of config.Entry; the token stays encrypted
type ConfigEntry struct {
	ID                    int       `json:"id"`
	Version               int       `json:"version"`
	Source                string    `json:"source"`
	State                 string    `json:"state"`
	TokenEncrypted        []byte    `json:"-"`
	UpdateIntervalSeconds int       `json:"update_interval_seconds"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// EntityRecord is the last published state of an entity, kept as
// last-known-good across restarts
type EntityRecord struct {
	EntityID  string          `json:"entity_id"`
	Kind      string          `json:"kind"`
	Name      string          `json:"name"`
	Available bool            `json:"available"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ImportNotice tracks the one-time "legacy config imported" notice
type ImportNotice struct {
	Shown        bool      `json:"shown"`
	Acknowledged bool      `json:"acknowledged"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EventSource represents the source of an event
type EventSource string

const (
	EventSourceRemo   EventSource = "remo"
	EventSourceUser   EventSource = "user"
	EventSourceMQTT   EventSource = "mqtt"
	EventSourceHost   EventSource = "host"
	EventSourceSystem EventSource = "system"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeCommand     EventType = "command"
	EventTypeConnection  EventType = "connection"
	EventTypeConfig      EventType = "config"
	EventTypeImport      EventType = "import"
	EventTypeError       EventType = "error"
	EventTypeInfo        EventType = "info"
	EventTypeStateChange EventType = "state_change"
)

// EventLog represents a log entry
type EventLog struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    EventSource     `json:"source"`
	EventType EventType       `json:"event_type"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// EventLogFilter for querying events
type EventLogFilter struct {
	Source    *EventSource
	EventType *EventType
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}
