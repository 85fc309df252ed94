package models

import "time"

// Lock statuses. A lock stays PROCESSING while its operation is in flight
// and is moved to a terminal status when the operation ends.
const (
	LockStatusProcessing = "PROCESSING"
	LockStatusCompleted  = "COMPLETED"
	LockStatusFailed     = "FAILED"
)

// TransactionLock marks an operation with a given dedup key as in flight.
// The partial unique index on (account_id, dedup_key) WHERE status='PROCESSING'
// is what actually enforces at-most-one-in-flight.
type TransactionLock struct {
	LockID        string    `json:"lock_id" db:"lock_id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	DedupKey      string    `json:"dedup_key" db:"dedup_key"`
	OperationType string    `json:"operation_type" db:"operation_type"`
	Status        string    `json:"status" db:"status"`
	Metadata      []byte    `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`
}
