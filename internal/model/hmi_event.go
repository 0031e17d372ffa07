package model

import "time"

// HMIEvent is a persisted operator command received from the cloud.
// Payload holds the command body without the method and user keys.
type HMIEvent struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Method    string         `json:"method"`
	User      string         `json:"user"`
	Payload   map[string]any `json:"payload"`
}
