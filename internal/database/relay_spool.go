package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

// SpooledMessage is a relayed message held for an unreachable target node
type SpooledMessage struct {
	ID          int64
	MessageID   string
	ToNode      string
	Fingerprint string // blake3 of the raw envelope, dedup key
	Envelope    string // raw JSON message
	TTL         int
	CreatedAt   time.Time
}

// RelaySpoolDB stores-and-forwards relayed messages whose target holds no
// live connection to the hub
type RelaySpoolDB struct {
	db     *sql.DB
	logger *utils.LogsManager

	insertStmt  *sql.Stmt
	pendingStmt *sql.Stmt
	deleteStmt  *sql.Stmt
	cleanupStmt *sql.Stmt
	countStmt   *sql.Stmt
	statsStmt   *sql.Stmt
}

// NewRelaySpoolDB creates the relay spool manager
func NewRelaySpoolDB(db *sql.DB, logger *utils.LogsManager) (*RelaySpoolDB, error) {
	rs := &RelaySpoolDB{
		db:     db,
		logger: logger,
	}

	if err := rs.createTables(); err != nil {
		return nil, err
	}
	if err := rs.prepareStatements(); err != nil {
		return nil, err
	}

	return rs, nil
}

func (rs *RelaySpoolDB) createTables() error {
	createTableSQL := `
CREATE TABLE IF NOT EXISTS relay_spool (
	"id" INTEGER PRIMARY KEY AUTOINCREMENT,
	"message_id" TEXT NOT NULL UNIQUE,
	"to_node" TEXT NOT NULL,
	"fingerprint" TEXT NOT NULL,
	"envelope" TEXT NOT NULL,
	"ttl" INTEGER NOT NULL DEFAULT 0,
	"created_at" INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relay_spool_to_node ON relay_spool(to_node, created_at);
CREATE INDEX IF NOT EXISTS idx_relay_spool_created ON relay_spool(created_at);
`

	if _, err := rs.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("failed to create relay_spool table: %v", err)
	}

	rs.logger.Debug("Created relay_spool table successfully", "database")
	return nil
}

func (rs *RelaySpoolDB) prepareStatements() error {
	var err error

	// Redelivery of the same message id is a no-op
	rs.insertStmt, err = rs.db.Prepare(`
		INSERT INTO relay_spool (message_id, to_node, fingerprint, envelope, ttl, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %v", err)
	}

	rs.pendingStmt, err = rs.db.Prepare(`
		SELECT id, message_id, to_node, fingerprint, envelope, ttl, created_at
		FROM relay_spool
		WHERE to_node = ?
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare pending statement: %v", err)
	}

	rs.deleteStmt, err = rs.db.Prepare(`
		DELETE FROM relay_spool WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %v", err)
	}

	rs.cleanupStmt, err = rs.db.Prepare(`
		DELETE FROM relay_spool WHERE created_at < ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %v", err)
	}

	rs.countStmt, err = rs.db.Prepare(`
		SELECT COUNT(*) FROM relay_spool WHERE to_node = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare count statement: %v", err)
	}

	rs.statsStmt, err = rs.db.Prepare(`
		SELECT COUNT(*), COUNT(DISTINCT to_node) FROM relay_spool
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare stats statement: %v", err)
	}

	return nil
}

// Spool stores a message for later pickup. Returns false when the message id
// was already spooled.
func (rs *RelaySpoolDB) Spool(msg *SpooledMessage) (bool, error) {
	msg.CreatedAt = time.Now()
	if msg.Fingerprint == "" {
		msg.Fingerprint = utils.FingerprintString(msg.Envelope)
	}

	result, err := rs.insertStmt.Exec(
		msg.MessageID, msg.ToNode, msg.Fingerprint, msg.Envelope, msg.TTL, msg.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to spool message %s: %v", msg.MessageID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DrainPending returns and removes all spooled messages for a node, oldest
// first
func (rs *RelaySpoolDB) DrainPending(toNode string) ([]*SpooledMessage, error) {
	rows, err := rs.pendingStmt.Query(toNode)
	if err != nil {
		return nil, fmt.Errorf("failed to query spooled messages: %v", err)
	}

	var messages []*SpooledMessage
	for rows.Next() {
		var m SpooledMessage
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ToNode, &m.Fingerprint, &m.Envelope, &m.TTL, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan spooled message: %v", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, m := range messages {
		if _, err := rs.deleteStmt.Exec(m.ID); err != nil {
			return nil, fmt.Errorf("failed to delete drained message %s: %v", m.MessageID, err)
		}
	}

	return messages, nil
}

// CountPending counts spooled messages awaiting a node
func (rs *RelaySpoolDB) CountPending(toNode string) (int, error) {
	var count int
	if err := rs.countStmt.QueryRow(toNode).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count spooled messages: %v", err)
	}
	return count, nil
}

// CleanupOld drops spooled messages older than maxAge
func (rs *RelaySpoolDB) CleanupOld(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	result, err := rs.cleanupStmt.Exec(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup relay spool: %v", err)
	}
	return result.RowsAffected()
}

// GetStats returns spool totals
func (rs *RelaySpoolDB) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	var total, targets int
	if err := rs.statsStmt.QueryRow().Scan(&total, &targets); err == nil {
		stats["spooled_messages"] = total
		stats["target_nodes"] = targets
	}
	return stats
}

// Close releases the prepared statements
func (rs *RelaySpoolDB) Close() error {
	stmts := []*sql.Stmt{rs.insertStmt, rs.pendingStmt, rs.deleteStmt, rs.cleanupStmt, rs.countStmt, rs.statsStmt}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
