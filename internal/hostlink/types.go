package hostlink

import (
	"encoding/json"
	"time"

	"github.com/stephens/remo-bridge/internal/entity"
)

// StateMessage is what the link posts to the host for every published state
type StateMessage struct {
	entity.State
	Capabilities *entity.Capabilities `json:"capabilities,omitempty"`
}

// Command is a user command received from the host
type Command struct {
	EntityID string `json:"entity_id"`
	Kind     string `json:"kind"`
	Value    string `json:"value"`
}

// Event is a message on the host's event stream
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusResponse is the host's reply to GET /status
type StatusResponse struct {
	Running  bool      `json:"running"`
	Entities int       `json:"entities"`
	Uptime   int64     `json:"uptime"`
	LastSeen time.Time `json:"last_seen"`
}

// Event types
const (
	EventTypeCommand    = "command"
	EventTypeConnection = "connection"
	EventTypeError      = "error"
)
