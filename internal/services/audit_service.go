package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/paydeck/backend/internal/models"
)

// AuditService is the append-only forensic record of every attempted balance
// mutation. Write-only from the engine's perspective; the read side serves
// account owners and administrators.
type AuditService struct {
	db *sql.DB
}

func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// RecordTx appends one entry on the caller's transaction and returns its id.
// Called on every terminal outcome, success or not.
func (as *AuditService) RecordTx(ctx context.Context, tx *sql.Tx, entry *models.AuditEntry) (string, error) {
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	entry.CreatedAt = time.Now()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_audit
		(audit_id, account_id, operation_type, amount, balance_before, balance_after, status, error_reason, external_reference, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.AuditID, entry.AccountID, entry.OperationType, entry.Amount, entry.BalanceBefore,
		entry.BalanceAfter, entry.Status, entry.ErrorReason, entry.ExternalReference, nullableJSON(entry.Details), entry.CreatedAt)

	if err != nil {
		return "", fmt.Errorf("failed to append audit entry: %w", err)
	}

	as.emit(entry)
	return entry.AuditID, nil
}

// RecordFailure best-effort writes a FAILED entry on a fresh connection.
// Used when the operation's own transaction has already rolled back.
func (as *AuditService) RecordFailure(ctx context.Context, entry *models.AuditEntry) string {
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	entry.Status = models.AuditStatusFailed
	entry.CreatedAt = time.Now()

	_, err := as.db.ExecContext(ctx, `
		INSERT INTO wallet_audit
		(audit_id, account_id, operation_type, amount, balance_before, balance_after, status, error_reason, external_reference, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.AuditID, entry.AccountID, entry.OperationType, entry.Amount, entry.BalanceBefore,
		entry.BalanceAfter, entry.Status, entry.ErrorReason, entry.ExternalReference, nullableJSON(entry.Details), entry.CreatedAt)

	if err != nil {
		log.Printf("[AUDIT] Failed to write failure entry for account %s: %v", entry.AccountID, err)
		return ""
	}

	as.emit(entry)
	return entry.AuditID
}

// ListByAccount returns an account's audit history, newest first.
func (as *AuditService) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.AuditEntry, error) {
	rows, err := as.db.QueryContext(ctx, `
		SELECT audit_id, account_id, operation_type, amount, balance_before, balance_after, status, error_reason, external_reference, details, created_at
		FROM wallet_audit
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var entry models.AuditEntry
		var details []byte
		if err := rows.Scan(&entry.AuditID, &entry.AccountID, &entry.OperationType, &entry.Amount,
			&entry.BalanceBefore, &entry.BalanceAfter, &entry.Status, &entry.ErrorReason,
			&entry.ExternalReference, &details, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Details = details
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (as *AuditService) emit(entry *models.AuditEntry) {
	data, _ := json.Marshal(entry)
	log.Printf("AUDIT: %s", string(data))
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
