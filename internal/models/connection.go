package models

import "time"

// ConnPhase is the lifecycle phase of the event stream connection.
type ConnPhase string

const (
	PhaseConnecting   ConnPhase = "CONNECTING"
	PhaseOpen         ConnPhase = "OPEN"
	PhaseError        ConnPhase = "ERROR"
	PhaseReconnecting ConnPhase = "RECONNECTING"
	PhaseClosed       ConnPhase = "CLOSED"
)

// ConnectionState describes the event stream connection. Only the stream
// client writes it; everyone else gets copies.
type ConnectionState struct {
	Phase       ConnPhase `json:"phase"`
	Connected   bool      `json:"connected"`
	LastError   string    `json:"lastError,omitempty"`
	RetryCount  int       `json:"retryCount"`
	LastEventAt time.Time `json:"lastEventAt,omitzero"`
}
