package errors

import "errors"

// Rejection reasons returned by the sync state machine and store. A
// rejected event leaves the stored state unchanged.
var (
	ErrInvalidEvent  = errors.New("invalid sync event")
	ErrStaleProgress = errors.New("stale progress for active phase")
	ErrTerminalRun   = errors.New("run already finished")
	ErrUnknownEntity = errors.New("unknown entity")
	ErrEntityRemoved = errors.New("entity removed")
)

// Server/transport errors.
var (
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("resource not found")
)

// ErrGateCorrupt is returned when the stored auto-sync gate cannot be
// decoded.
var ErrGateCorrupt = errors.New("auto-sync gate record is corrupt")
