package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/paydeck/backend/internal/models"
)

// LockService manages the short-lived dedup locks that keep logically
// identical submissions from running concurrently.
type LockService struct {
	db         *sql.DB
	lockTTL    time.Duration
	staleAfter time.Duration
}

func NewLockService(db *sql.DB) *LockService {
	lockTTL := 5 * time.Minute
	staleAfter := time.Hour
	if env := os.Getenv("LOCK_TTL_MINUTES"); env != "" {
		if val, err := strconv.Atoi(env); err == nil && val > 0 {
			lockTTL = time.Duration(val) * time.Minute
		}
	}
	if env := os.Getenv("LOCK_STALE_MINUTES"); env != "" {
		if val, err := strconv.Atoi(env); err == nil && val > 0 {
			staleAfter = time.Duration(val) * time.Minute
		}
	}
	return &LockService{
		db:         db,
		lockTTL:    lockTTL,
		staleAfter: staleAfter,
	}
}

// BuildDedupKey derives the deterministic key used to detect resubmission of
// the same logical operation. The minute bucket means only truly simultaneous
// duplicates collide; a deliberate retry a minute later gets a fresh key.
func BuildDedupKey(accountID, operationType, target, amount string, at time.Time) string {
	bucket := at.UTC().Format("200601021504")
	raw := strings.Join([]string{accountID, operationType, target, amount, bucket}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// AcquireTx claims the dedup key inside the caller's transaction. A unique
// violation on the in-flight index is interpreted as "duplicate in progress",
// not as a system error.
func (ls *LockService) AcquireTx(ctx context.Context, tx *sql.Tx, accountID, operationType, dedupKey string, metadata []byte) (*models.TransactionLock, error) {
	// Best-effort housekeeping. Removing expired PROCESSING rows here also
	// keeps the partial unique index from blocking a legitimate retry after
	// a crashed operation's lock has lapsed.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM wallet_locks
		WHERE account_id = $1
		  AND (expires_at < NOW() OR (status <> 'PROCESSING' AND created_at < NOW() - $2::interval))
	`, accountID, ls.staleAfter.String()); err != nil {
		return nil, fmt.Errorf("lock cleanup failed: %w", err)
	}

	lock := &models.TransactionLock{
		LockID:        uuid.NewString(),
		AccountID:     accountID,
		DedupKey:      dedupKey,
		OperationType: operationType,
		Status:        models.LockStatusProcessing,
		Metadata:      metadata,
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(ls.lockTTL),
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_locks (lock_id, account_id, dedup_key, operation_type, status, metadata, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, lock.LockID, lock.AccountID, lock.DedupKey, lock.OperationType, lock.Status, lock.Metadata, lock.CreatedAt, lock.ExpiresAt)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			existing := ls.existingExpiry(ctx, accountID, dedupKey)
			log.Printf("[LOCK] Duplicate in flight for account %s, key %s", accountID, dedupKey)
			return nil, &DuplicateInFlightError{DedupKey: dedupKey, ExistingExpiry: existing}
		}
		return nil, fmt.Errorf("lock acquire failed: %w", err)
	}

	return lock, nil
}

// ReleaseTx moves the lock to a terminal status. Once released, the partial
// unique index predicate no longer matches the row, so a new acquire with the
// same key proceeds immediately.
func (ls *LockService) ReleaseTx(ctx context.Context, tx *sql.Tx, lockID, terminalStatus string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallet_locks SET status = $1 WHERE lock_id = $2
	`, terminalStatus, lockID)
	if err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	return nil
}

// ReleaseFailed marks the lock FAILED on a fresh connection. Used on rollback
// paths where the original transaction is gone.
func (ls *LockService) ReleaseFailed(ctx context.Context, lockID string) {
	_, err := ls.db.ExecContext(ctx, `
		UPDATE wallet_locks SET status = $1 WHERE lock_id = $2
	`, models.LockStatusFailed, lockID)
	if err != nil {
		log.Printf("[LOCK] Failed to release lock %s as FAILED: %v", lockID, err)
	}
}

// Sweep deletes expired and terminal-stale locks. Run periodically by the
// janitor; correctness never depends on it.
func (ls *LockService) Sweep(ctx context.Context) (int64, error) {
	result, err := ls.db.ExecContext(ctx, `
		DELETE FROM wallet_locks
		WHERE expires_at < NOW() OR (status <> 'PROCESSING' AND created_at < NOW() - $1::interval)
	`, ls.staleAfter.String())
	if err != nil {
		return 0, err
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

func (ls *LockService) existingExpiry(ctx context.Context, accountID, dedupKey string) time.Time {
	var expiresAt time.Time
	err := ls.db.QueryRowContext(ctx, `
		SELECT expires_at FROM wallet_locks
		WHERE account_id = $1 AND dedup_key = $2 AND status = 'PROCESSING'
	`, accountID, dedupKey).Scan(&expiresAt)
	if err != nil {
		return time.Time{}
	}
	return expiresAt
}
