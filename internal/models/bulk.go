package models

// BulkAction is an operation the bulk runner applies to many entities.
type BulkAction string

const (
	ActionSync       BulkAction = "sync"
	ActionDisconnect BulkAction = "disconnect"
	ActionDelete     BulkAction = "delete"
)

// BulkStatus is the state of the most recent bulk batch.
type BulkStatus string

const (
	BulkIdle           BulkStatus = "IDLE"
	BulkRunning        BulkStatus = "RUNNING"
	BulkDone           BulkStatus = "DONE"
	BulkPartialFailure BulkStatus = "PARTIAL_FAILURE"
)

// BulkFailure records why one item of a batch failed.
type BulkFailure struct {
	EntityID string `json:"entityId"`
	Reason   string `json:"reason"`
}

// BulkOperationResult summarises a finished batch.
type BulkOperationResult struct {
	Action    BulkAction    `json:"action"`
	Total     int           `json:"total"`
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
	Status    BulkStatus    `json:"status"`
}
