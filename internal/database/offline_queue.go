package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

// Offline operation states
const (
	OfflinePending    = "pending"
	OfflineProcessing = "processing"
	OfflineCompleted  = "completed"
	OfflineFailed     = "failed"
	OfflineExpired    = "expired"
)

// OfflineOperation is a durable unit of work queued while a target was
// unreachable. Priority runs 1 (critical) to 10 (background).
type OfflineOperation struct {
	ID            string
	OperationType string
	TargetNode    string
	Payload       string // JSON body
	Fingerprint   string // blake3 of payload, dedup key
	Priority      int
	Status        string
	RetryCount    int
	MaxRetries    int
	LastError     string
	NextAttemptAt time.Time
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OfflineQueueDB manages the durable offline operation queue
type OfflineQueueDB struct {
	db     *sql.DB
	logger *utils.LogsManager

	insertStmt     *sql.Stmt
	getStmt        *sql.Stmt
	dueStmt        *sql.Stmt
	claimStmt      *sql.Stmt
	completeStmt   *sql.Stmt
	rescheduleStmt *sql.Stmt
	failStmt       *sql.Stmt
	expireStmt     *sql.Stmt
	countStmt      *sql.Stmt
	statsStmt      *sql.Stmt
}

// NewOfflineQueueDB creates the offline queue manager
func NewOfflineQueueDB(db *sql.DB, logger *utils.LogsManager) (*OfflineQueueDB, error) {
	oq := &OfflineQueueDB{
		db:     db,
		logger: logger,
	}

	if err := oq.createTables(); err != nil {
		return nil, err
	}
	if err := oq.prepareStatements(); err != nil {
		return nil, err
	}

	return oq, nil
}

func (oq *OfflineQueueDB) createTables() error {
	createTableSQL := `
CREATE TABLE IF NOT EXISTS offline_operations (
	"id" TEXT NOT NULL PRIMARY KEY,
	"operation_type" TEXT NOT NULL,
	"target_node" TEXT NOT NULL DEFAULT '',
	"payload" TEXT NOT NULL DEFAULT '{}',
	"fingerprint" TEXT NOT NULL,
	"priority" INTEGER NOT NULL DEFAULT 5,
	"status" TEXT NOT NULL DEFAULT 'pending',
	"retry_count" INTEGER NOT NULL DEFAULT 0,
	"max_retries" INTEGER NOT NULL DEFAULT 5,
	"last_error" TEXT NOT NULL DEFAULT '',
	"next_attempt_at" INTEGER NOT NULL,
	"expires_at" INTEGER,
	"created_at" INTEGER NOT NULL,
	"updated_at" INTEGER NOT NULL
);

-- A pending duplicate of the same payload is pointless work
CREATE UNIQUE INDEX IF NOT EXISTS idx_offline_fingerprint_pending
	ON offline_operations(fingerprint) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_offline_due
	ON offline_operations(status, next_attempt_at, priority);
CREATE INDEX IF NOT EXISTS idx_offline_target ON offline_operations(target_node);
`

	if _, err := oq.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("failed to create offline_operations table: %v", err)
	}

	oq.logger.Debug("Created offline_operations table successfully", "database")
	return nil
}

func (oq *OfflineQueueDB) prepareStatements() error {
	var err error

	oq.insertStmt, err = oq.db.Prepare(`
		INSERT INTO offline_operations (id, operation_type, target_node, payload, fingerprint,
		                                priority, status, max_retries, next_attempt_at, expires_at,
		                                created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) WHERE status = 'pending' DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %v", err)
	}

	oq.getStmt, err = oq.db.Prepare(`
		SELECT id, operation_type, target_node, payload, fingerprint, priority, status,
		       retry_count, max_retries, last_error, next_attempt_at, expires_at, created_at, updated_at
		FROM offline_operations
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %v", err)
	}

	oq.dueStmt, err = oq.db.Prepare(`
		SELECT id, operation_type, target_node, payload, fingerprint, priority, status,
		       retry_count, max_retries, last_error, next_attempt_at, expires_at, created_at, updated_at
		FROM offline_operations
		WHERE status = 'pending' AND next_attempt_at <= ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY priority ASC, next_attempt_at ASC
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare due statement: %v", err)
	}

	oq.claimStmt, err = oq.db.Prepare(`
		UPDATE offline_operations
		SET status = 'processing', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare claim statement: %v", err)
	}

	oq.completeStmt, err = oq.db.Prepare(`
		UPDATE offline_operations
		SET status = 'completed', last_error = '', updated_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare complete statement: %v", err)
	}

	oq.rescheduleStmt, err = oq.db.Prepare(`
		UPDATE offline_operations
		SET status = 'pending', retry_count = retry_count + 1, last_error = ?,
		    next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare reschedule statement: %v", err)
	}

	oq.failStmt, err = oq.db.Prepare(`
		UPDATE offline_operations
		SET status = 'failed', retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare fail statement: %v", err)
	}

	oq.expireStmt, err = oq.db.Prepare(`
		UPDATE offline_operations
		SET status = 'expired', updated_at = ?
		WHERE status IN ('pending', 'processing') AND expires_at IS NOT NULL AND expires_at <= ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare expire statement: %v", err)
	}

	oq.countStmt, err = oq.db.Prepare(`
		SELECT COUNT(*) FROM offline_operations WHERE status IN ('pending', 'processing')
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare count statement: %v", err)
	}

	oq.statsStmt, err = oq.db.Prepare(`
		SELECT status, COUNT(*) FROM offline_operations GROUP BY status
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare stats statement: %v", err)
	}

	return nil
}

// Enqueue inserts an operation. Returns false when an identical pending
// payload is already queued.
func (oq *OfflineQueueDB) Enqueue(op *OfflineOperation) (bool, error) {
	now := time.Now()
	op.CreatedAt = now
	op.UpdatedAt = now
	if op.Priority < 1 {
		op.Priority = 1
	}
	if op.Priority > 10 {
		op.Priority = 10
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = 5
	}
	if op.NextAttemptAt.IsZero() {
		op.NextAttemptAt = now
	}
	if op.Fingerprint == "" {
		op.Fingerprint = utils.FingerprintString(op.OperationType + ":" + op.TargetNode + ":" + op.Payload)
	}

	var expiresAt interface{}
	if op.ExpiresAt != nil {
		expiresAt = op.ExpiresAt.Unix()
	}

	result, err := oq.insertStmt.Exec(
		op.ID, op.OperationType, op.TargetNode, op.Payload, op.Fingerprint,
		op.Priority, op.MaxRetries, op.NextAttemptAt.Unix(), expiresAt,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue offline operation: %v", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Get loads one operation, or nil when unknown
func (oq *OfflineQueueDB) Get(id string) (*OfflineOperation, error) {
	op, err := scanOfflineOp(oq.getStmt.QueryRow(id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return op, err
}

func scanOfflineOp(scan func(dest ...interface{}) error) (*OfflineOperation, error) {
	var op OfflineOperation
	var nextAttempt, createdAt, updatedAt int64
	var expiresAt sql.NullInt64

	err := scan(
		&op.ID, &op.OperationType, &op.TargetNode, &op.Payload, &op.Fingerprint,
		&op.Priority, &op.Status, &op.RetryCount, &op.MaxRetries, &op.LastError,
		&nextAttempt, &expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.NextAttemptAt = time.Unix(nextAttempt, 0)
	op.CreatedAt = time.Unix(createdAt, 0)
	op.UpdatedAt = time.Unix(updatedAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		op.ExpiresAt = &t
	}
	return &op, nil
}

// DuePending lists unexpired pending operations whose attempt time has come,
// most urgent priority (lowest number) first
func (oq *OfflineQueueDB) DuePending(now time.Time, limit int) ([]*OfflineOperation, error) {
	rows, err := oq.dueStmt.Query(now.Unix(), now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due operations: %v", err)
	}
	defer rows.Close()

	var ops []*OfflineOperation
	for rows.Next() {
		op, err := scanOfflineOp(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offline operation: %v", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Claim transitions pending -> processing. Returns false when another
// dispatcher already took the operation.
func (oq *OfflineQueueDB) Claim(id string) (bool, error) {
	result, err := oq.claimStmt.Exec(time.Now().Unix(), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim operation %s: %v", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Complete marks an operation done
func (oq *OfflineQueueDB) Complete(id string) error {
	if _, err := oq.completeStmt.Exec(time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to complete operation %s: %v", id, err)
	}
	return nil
}

// Reschedule puts a failed attempt back in the queue for a later retry
func (oq *OfflineQueueDB) Reschedule(id string, nextAttempt time.Time, lastError string) error {
	if _, err := oq.rescheduleStmt.Exec(lastError, nextAttempt.Unix(), time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to reschedule operation %s: %v", id, err)
	}
	return nil
}

// Fail marks an operation permanently failed
func (oq *OfflineQueueDB) Fail(id string, lastError string) error {
	if _, err := oq.failStmt.Exec(lastError, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to fail operation %s: %v", id, err)
	}
	return nil
}

// ExpireOverdue marks operations past their absolute expiry
func (oq *OfflineQueueDB) ExpireOverdue(now time.Time) (int64, error) {
	result, err := oq.expireStmt.Exec(now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to expire operations: %v", err)
	}
	return result.RowsAffected()
}

// CountOutstanding counts pending and processing operations
func (oq *OfflineQueueDB) CountOutstanding() (int, error) {
	var count int
	if err := oq.countStmt.QueryRow().Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outstanding operations: %v", err)
	}
	return count, nil
}

// GetStats returns per-status operation counts
func (oq *OfflineQueueDB) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	rows, err := oq.statsStmt.Query()
	if err != nil {
		return stats
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err == nil {
			stats[status] = count
		}
	}
	return stats
}

// Close releases the prepared statements
func (oq *OfflineQueueDB) Close() error {
	stmts := []*sql.Stmt{
		oq.insertStmt, oq.getStmt, oq.dueStmt, oq.claimStmt, oq.completeStmt,
		oq.rescheduleStmt, oq.failStmt, oq.expireStmt, oq.countStmt, oq.statsStmt,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
