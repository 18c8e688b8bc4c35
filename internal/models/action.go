package models

import (
	"encoding/json"
	"time"
)

// Action is one timestamped user interaction, already past the security
// boundary by the time any component sees it.
type Action struct {
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId,omitempty"`
	Type      string          `json:"type"`
	Category  string          `json:"category,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ClientTs  int64           `json:"clientTs,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Well-known action types.
const (
	ActionClick         = "click"
	ActionNavigate      = "navigate"
	ActionIdle          = "idle"
	ActionBuildFinished = "build_finished"
)
