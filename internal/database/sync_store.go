package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

// Sync session lifecycle states
const (
	SessionPending    = "pending"
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionConflict   = "conflict"
	SessionFailed     = "failed"
)

// Sync record states
const (
	RecordPending  = "pending"
	RecordApplied  = "applied"
	RecordConflict = "conflict"
	RecordFailed   = "failed"
)

// Record operations
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Conflict resolution strategies
const (
	StrategyNewerWins = "newer_wins"
	StrategyOlderWins = "older_wins"
	StrategyHubWins   = "hub_wins"
	StrategyNodeWins  = "node_wins"
	StrategyKeepBoth  = "keep_both"
	StrategyManual    = "manual"
	StrategyMerge     = "merge"
)

// SyncSession tracks one node<->hub synchronization exchange
type SyncSession struct {
	ID               string
	NodeID           string
	Status           string
	NodeVersions     string // JSON map model -> version, as claimed by the node
	HubVersions      string // JSON map model -> version, hub side
	TotalRecords     int
	ProcessedRecords int
	ConflictCount    int
	ErrorCount       int
	RetryCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// SyncRecord is one model instance moving through a session
type SyncRecord struct {
	ID            string
	SessionID     string
	ModelName     string
	RecordID      string
	Operation     string
	Data          string // JSON snapshot
	Checksum      string // SHA-256 of canonical JSON
	LocalVersion  int64
	RemoteVersion int64
	Status        string
	ErrorMessage  string
	CreatedAt     time.Time
	AppliedAt     *time.Time
}

// SyncConflict holds both sides of a detected divergence
type SyncConflict struct {
	ID             string
	SessionID      string
	ModelName      string
	RecordID       string
	NodeData       string
	HubData        string
	NodeModifiedAt float64
	HubModifiedAt  float64
	Strategy       string
	Resolved       bool
	ResolutionData string
	ResolvedBy     string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// VersionVector is the per (node, model) sync watermark
type VersionVector struct {
	NodeID            string
	ModelName         string
	Version           int64
	LastSyncedVersion int64
	PendingChanges    int64
	UpdatedAt         time.Time
}

// SyncDB manages sync sessions, records, conflicts and version vectors
type SyncDB struct {
	db     *sql.DB
	logger *utils.LogsManager

	insertSessionStmt    *sql.Stmt
	getSessionStmt       *sql.Stmt
	updateSessionStmt    *sql.Stmt
	completeSessionStmt  *sql.Stmt
	insertRecordStmt     *sql.Stmt
	updateRecordStmt     *sql.Stmt
	recordsBySessionStmt *sql.Stmt
	insertConflictStmt   *sql.Stmt
	getConflictStmt      *sql.Stmt
	resolveConflictStmt  *sql.Stmt
	unresolvedCountStmt  *sql.Stmt
	conflictsStmt        *sql.Stmt
	nodeUnresolvedStmt   *sql.Stmt
	latestRecordStmt     *sql.Stmt
	getVectorStmt        *sql.Stmt
	upsertVectorStmt     *sql.Stmt
	vectorsByNodeStmt    *sql.Stmt
	markSyncedStmt       *sql.Stmt
}

// NewSyncDB creates the sync storage manager
func NewSyncDB(db *sql.DB, logger *utils.LogsManager) (*SyncDB, error) {
	sdb := &SyncDB{
		db:     db,
		logger: logger,
	}

	if err := sdb.createTables(); err != nil {
		return nil, err
	}
	if err := sdb.prepareStatements(); err != nil {
		return nil, err
	}

	return sdb, nil
}

func (sdb *SyncDB) createTables() error {
	createTableSQL := `
CREATE TABLE IF NOT EXISTS sync_sessions (
	"id" TEXT NOT NULL PRIMARY KEY,
	"node_id" TEXT NOT NULL,
	"status" TEXT NOT NULL DEFAULT 'pending',
	"node_versions" TEXT NOT NULL DEFAULT '{}',
	"hub_versions" TEXT NOT NULL DEFAULT '{}',
	"total_records" INTEGER NOT NULL DEFAULT 0,
	"processed_records" INTEGER NOT NULL DEFAULT 0,
	"conflict_count" INTEGER NOT NULL DEFAULT 0,
	"error_count" INTEGER NOT NULL DEFAULT 0,
	"retry_count" INTEGER NOT NULL DEFAULT 0,
	"created_at" INTEGER NOT NULL,
	"updated_at" INTEGER NOT NULL,
	"completed_at" INTEGER
);

CREATE TABLE IF NOT EXISTS sync_records (
	"id" TEXT NOT NULL PRIMARY KEY,
	"session_id" TEXT NOT NULL,
	"model_name" TEXT NOT NULL,
	"record_id" TEXT NOT NULL,
	"operation" TEXT NOT NULL,
	"data" TEXT NOT NULL DEFAULT '{}',
	"checksum" TEXT NOT NULL,
	"local_version" INTEGER NOT NULL DEFAULT 0,
	"remote_version" INTEGER NOT NULL DEFAULT 0,
	"status" TEXT NOT NULL DEFAULT 'pending',
	"error_message" TEXT NOT NULL DEFAULT '',
	"created_at" INTEGER NOT NULL,
	"applied_at" INTEGER,

	FOREIGN KEY(session_id) REFERENCES sync_sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	"id" TEXT NOT NULL PRIMARY KEY,
	"session_id" TEXT NOT NULL,
	"model_name" TEXT NOT NULL,
	"record_id" TEXT NOT NULL,
	"node_data" TEXT NOT NULL DEFAULT '{}',
	"hub_data" TEXT NOT NULL DEFAULT '{}',
	"node_modified_at" REAL NOT NULL DEFAULT 0,
	"hub_modified_at" REAL NOT NULL DEFAULT 0,
	"strategy" TEXT NOT NULL DEFAULT 'manual',
	"resolved" INTEGER NOT NULL DEFAULT 0,
	"resolution_data" TEXT NOT NULL DEFAULT '',
	"resolved_by" TEXT NOT NULL DEFAULT '',
	"created_at" INTEGER NOT NULL,
	"resolved_at" INTEGER,

	FOREIGN KEY(session_id) REFERENCES sync_sessions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS version_vectors (
	"node_id" TEXT NOT NULL,
	"model_name" TEXT NOT NULL,
	"version" INTEGER NOT NULL DEFAULT 0,
	"last_synced_version" INTEGER NOT NULL DEFAULT 0,
	"pending_changes" INTEGER NOT NULL DEFAULT 0,
	"updated_at" INTEGER NOT NULL,

	PRIMARY KEY(node_id, model_name)
);

CREATE INDEX IF NOT EXISTS idx_sync_sessions_node ON sync_sessions(node_id, status);
CREATE INDEX IF NOT EXISTS idx_sync_records_session ON sync_records(session_id, status);
CREATE INDEX IF NOT EXISTS idx_sync_records_model ON sync_records(model_name, record_id);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_session ON sync_conflicts(session_id, resolved);
CREATE INDEX IF NOT EXISTS idx_version_vectors_node ON version_vectors(node_id);
`

	if _, err := sdb.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("failed to create sync tables: %v", err)
	}

	sdb.logger.Debug("Created sync tables successfully", "database")
	return nil
}

func (sdb *SyncDB) prepareStatements() error {
	var err error

	sdb.insertSessionStmt, err = sdb.db.Prepare(`
		INSERT INTO sync_sessions (id, node_id, status, node_versions, hub_versions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert session statement: %v", err)
	}

	sdb.getSessionStmt, err = sdb.db.Prepare(`
		SELECT id, node_id, status, node_versions, hub_versions,
		       total_records, processed_records, conflict_count, error_count, retry_count,
		       created_at, updated_at, completed_at
		FROM sync_sessions
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get session statement: %v", err)
	}

	sdb.updateSessionStmt, err = sdb.db.Prepare(`
		UPDATE sync_sessions
		SET status = ?, total_records = ?, processed_records = ?,
		    conflict_count = ?, error_count = ?, retry_count = ?, updated_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update session statement: %v", err)
	}

	sdb.completeSessionStmt, err = sdb.db.Prepare(`
		UPDATE sync_sessions
		SET status = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare complete session statement: %v", err)
	}

	sdb.insertRecordStmt, err = sdb.db.Prepare(`
		INSERT INTO sync_records (id, session_id, model_name, record_id, operation, data, checksum,
		                          local_version, remote_version, status, error_message, created_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert record statement: %v", err)
	}

	sdb.updateRecordStmt, err = sdb.db.Prepare(`
		UPDATE sync_records
		SET status = ?, error_message = ?, applied_at = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update record statement: %v", err)
	}

	sdb.recordsBySessionStmt, err = sdb.db.Prepare(`
		SELECT id, session_id, model_name, record_id, operation, data, checksum,
		       local_version, remote_version, status, error_message, created_at, applied_at
		FROM sync_records
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare records by session statement: %v", err)
	}

	sdb.insertConflictStmt, err = sdb.db.Prepare(`
		INSERT INTO sync_conflicts (id, session_id, model_name, record_id, node_data, hub_data,
		                            node_modified_at, hub_modified_at, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert conflict statement: %v", err)
	}

	sdb.getConflictStmt, err = sdb.db.Prepare(`
		SELECT id, session_id, model_name, record_id, node_data, hub_data,
		       node_modified_at, hub_modified_at, strategy, resolved, resolution_data, resolved_by,
		       created_at, resolved_at
		FROM sync_conflicts
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get conflict statement: %v", err)
	}

	sdb.resolveConflictStmt, err = sdb.db.Prepare(`
		UPDATE sync_conflicts
		SET resolved = 1, strategy = ?, resolution_data = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare resolve conflict statement: %v", err)
	}

	sdb.unresolvedCountStmt, err = sdb.db.Prepare(`
		SELECT COUNT(*) FROM sync_conflicts WHERE session_id = ? AND resolved = 0
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare unresolved count statement: %v", err)
	}

	sdb.conflictsStmt, err = sdb.db.Prepare(`
		SELECT id, session_id, model_name, record_id, node_data, hub_data,
		       node_modified_at, hub_modified_at, strategy, resolved, resolution_data, resolved_by,
		       created_at, resolved_at
		FROM sync_conflicts
		WHERE session_id = ?
		ORDER BY created_at ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare conflicts statement: %v", err)
	}

	sdb.nodeUnresolvedStmt, err = sdb.db.Prepare(`
		SELECT COUNT(*)
		FROM sync_conflicts c
		JOIN sync_sessions s ON c.session_id = s.id
		WHERE s.node_id = ? AND c.resolved = 0
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare node unresolved statement: %v", err)
	}

	sdb.latestRecordStmt, err = sdb.db.Prepare(`
		SELECT id, session_id, model_name, record_id, operation, data, checksum,
		       local_version, remote_version, status, error_message, created_at, applied_at
		FROM sync_records
		WHERE model_name = ? AND record_id = ? AND status != 'failed'
		ORDER BY remote_version DESC, created_at DESC
		LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare latest record statement: %v", err)
	}

	sdb.getVectorStmt, err = sdb.db.Prepare(`
		SELECT node_id, model_name, version, last_synced_version, pending_changes, updated_at
		FROM version_vectors
		WHERE node_id = ? AND model_name = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get vector statement: %v", err)
	}

	sdb.upsertVectorStmt, err = sdb.db.Prepare(`
		INSERT INTO version_vectors (node_id, model_name, version, last_synced_version, pending_changes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id, model_name) DO UPDATE SET
			version = excluded.version,
			last_synced_version = excluded.last_synced_version,
			pending_changes = excluded.pending_changes,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert vector statement: %v", err)
	}

	sdb.vectorsByNodeStmt, err = sdb.db.Prepare(`
		SELECT node_id, model_name, version, last_synced_version, pending_changes, updated_at
		FROM version_vectors
		WHERE node_id = ?
		ORDER BY model_name ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare vectors by node statement: %v", err)
	}

	sdb.markSyncedStmt, err = sdb.db.Prepare(`
		UPDATE version_vectors
		SET last_synced_version = version, pending_changes = 0, updated_at = ?
		WHERE node_id = ? AND model_name = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare mark synced statement: %v", err)
	}

	return nil
}

// CreateSession persists a new pending session
func (sdb *SyncDB) CreateSession(session *SyncSession) error {
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = SessionPending
	}
	if session.NodeVersions == "" {
		session.NodeVersions = "{}"
	}
	if session.HubVersions == "" {
		session.HubVersions = "{}"
	}

	_, err := sdb.insertSessionStmt.Exec(
		session.ID, session.NodeID, session.Status,
		session.NodeVersions, session.HubVersions,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync session %s: %v", session.ID, err)
	}
	return nil
}

// GetSession loads one session, or nil when unknown
func (sdb *SyncDB) GetSession(sessionID string) (*SyncSession, error) {
	row := sdb.getSessionStmt.QueryRow(sessionID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*SyncSession, error) {
	var s SyncSession
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&s.ID, &s.NodeID, &s.Status, &s.NodeVersions, &s.HubVersions,
		&s.TotalRecords, &s.ProcessedRecords, &s.ConflictCount, &s.ErrorCount, &s.RetryCount,
		&createdAt, &updatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync session: %v", err)
	}

	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		s.CompletedAt = &t
	}
	return &s, nil
}

// UpdateSession writes back the mutable session fields, optionally inside a
// push transaction
func (sdb *SyncDB) UpdateSession(tx *sql.Tx, session *SyncSession) error {
	session.UpdatedAt = time.Now()

	stmt := sdb.updateSessionStmt
	if tx != nil {
		stmt = tx.Stmt(stmt)
	}

	_, err := stmt.Exec(
		session.Status, session.TotalRecords, session.ProcessedRecords,
		session.ConflictCount, session.ErrorCount, session.RetryCount,
		session.UpdatedAt.Unix(), session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync session %s: %v", session.ID, err)
	}
	return nil
}

// CompleteSession moves a session into a terminal state
func (sdb *SyncDB) CompleteSession(sessionID, status string) error {
	now := time.Now().Unix()
	_, err := sdb.completeSessionStmt.Exec(status, now, now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to complete sync session %s: %v", sessionID, err)
	}
	return nil
}

// InsertRecord stores one sync record, optionally inside a push transaction
func (sdb *SyncDB) InsertRecord(tx *sql.Tx, record *SyncRecord) error {
	record.CreatedAt = time.Now()
	if record.Status == "" {
		record.Status = RecordPending
	}

	var appliedAt interface{}
	if record.AppliedAt != nil {
		appliedAt = record.AppliedAt.Unix()
	}

	stmt := sdb.insertRecordStmt
	if tx != nil {
		stmt = tx.Stmt(stmt)
	}

	_, err := stmt.Exec(
		record.ID, record.SessionID, record.ModelName, record.RecordID,
		record.Operation, record.Data, record.Checksum,
		record.LocalVersion, record.RemoteVersion,
		record.Status, record.ErrorMessage,
		record.CreatedAt.Unix(), appliedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync record %s: %v", record.ID, err)
	}
	return nil
}

// UpdateRecordStatus sets a record's terminal state
func (sdb *SyncDB) UpdateRecordStatus(tx *sql.Tx, recordID, status, errorMessage string) error {
	var appliedAt interface{}
	if status == RecordApplied {
		appliedAt = time.Now().Unix()
	}

	stmt := sdb.updateRecordStmt
	if tx != nil {
		stmt = tx.Stmt(stmt)
	}

	_, err := stmt.Exec(status, errorMessage, appliedAt, recordID)
	if err != nil {
		return fmt.Errorf("failed to update sync record %s: %v", recordID, err)
	}
	return nil
}

// GetSessionRecords lists all records of one session in insertion order
func (sdb *SyncDB) GetSessionRecords(sessionID string) ([]*SyncRecord, error) {
	rows, err := sdb.recordsBySessionStmt.Query(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync records: %v", err)
	}
	defer rows.Close()

	var records []*SyncRecord
	for rows.Next() {
		var r SyncRecord
		var createdAt int64
		var appliedAt sql.NullInt64

		err := rows.Scan(
			&r.ID, &r.SessionID, &r.ModelName, &r.RecordID, &r.Operation,
			&r.Data, &r.Checksum, &r.LocalVersion, &r.RemoteVersion,
			&r.Status, &r.ErrorMessage, &createdAt, &appliedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %v", err)
		}

		r.CreatedAt = time.Unix(createdAt, 0)
		if appliedAt.Valid {
			t := time.Unix(appliedAt.Int64, 0)
			r.AppliedAt = &t
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// CreateConflict stores a detected divergence, optionally inside a push transaction
func (sdb *SyncDB) CreateConflict(tx *sql.Tx, conflict *SyncConflict) error {
	conflict.CreatedAt = time.Now()
	if conflict.Strategy == "" {
		conflict.Strategy = StrategyManual
	}

	stmt := sdb.insertConflictStmt
	if tx != nil {
		stmt = tx.Stmt(stmt)
	}

	_, err := stmt.Exec(
		conflict.ID, conflict.SessionID, conflict.ModelName, conflict.RecordID,
		conflict.NodeData, conflict.HubData,
		conflict.NodeModifiedAt, conflict.HubModifiedAt,
		conflict.Strategy, conflict.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync conflict %s: %v", conflict.ID, err)
	}
	return nil
}

// GetConflict loads one conflict, or nil when unknown
func (sdb *SyncDB) GetConflict(conflictID string) (*SyncConflict, error) {
	row := sdb.getConflictStmt.QueryRow(conflictID)
	c, err := scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanConflict(scan func(dest ...interface{}) error) (*SyncConflict, error) {
	var c SyncConflict
	var resolved int
	var createdAt int64
	var resolvedAt sql.NullInt64

	err := scan(
		&c.ID, &c.SessionID, &c.ModelName, &c.RecordID,
		&c.NodeData, &c.HubData, &c.NodeModifiedAt, &c.HubModifiedAt,
		&c.Strategy, &resolved, &c.ResolutionData, &c.ResolvedBy,
		&createdAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Resolved = resolved != 0
	c.CreatedAt = time.Unix(createdAt, 0)
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0)
		c.ResolvedAt = &t
	}
	return &c, nil
}

// ResolveConflict marks a conflict resolved. Returns false when the conflict
// was unknown or already resolved.
func (sdb *SyncDB) ResolveConflict(conflictID, strategy, resolutionData, resolvedBy string) (bool, error) {
	result, err := sdb.resolveConflictStmt.Exec(strategy, resolutionData, resolvedBy, time.Now().Unix(), conflictID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve conflict %s: %v", conflictID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UnresolvedConflictCount counts open conflicts of one session
func (sdb *SyncDB) UnresolvedConflictCount(sessionID string) (int, error) {
	var count int
	if err := sdb.unresolvedCountStmt.QueryRow(sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unresolved conflicts: %v", err)
	}
	return count, nil
}

// NodeUnresolvedConflictCount counts open conflicts across all sessions of a node
func (sdb *SyncDB) NodeUnresolvedConflictCount(nodeID string) (int, error) {
	var count int
	if err := sdb.nodeUnresolvedStmt.QueryRow(nodeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count node conflicts: %v", err)
	}
	return count, nil
}

// LatestRecord returns the newest applied/pending record for (model, record_id),
// or nil when the hub holds no copy. Runs inside the push transaction when tx
// is non-nil.
func (sdb *SyncDB) LatestRecord(tx *sql.Tx, modelName, recordID string) (*SyncRecord, error) {
	stmt := sdb.latestRecordStmt
	if tx != nil {
		stmt = tx.Stmt(stmt)
	}

	var r SyncRecord
	var createdAt int64
	var appliedAt sql.NullInt64

	err := stmt.QueryRow(modelName, recordID).Scan(
		&r.ID, &r.SessionID, &r.ModelName, &r.RecordID, &r.Operation,
		&r.Data, &r.Checksum, &r.LocalVersion, &r.RemoteVersion,
		&r.Status, &r.ErrorMessage, &createdAt, &appliedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest record %s/%s: %v", modelName, recordID, err)
	}

	r.CreatedAt = time.Unix(createdAt, 0)
	if appliedAt.Valid {
		t := time.Unix(appliedAt.Int64, 0)
		r.AppliedAt = &t
	}
	return &r, nil
}

// GetPendingRecords pages through a session's pending records, optionally
// filtered by model name. The model filter is dynamic, so this path builds
// its query instead of using a prepared statement.
func (sdb *SyncDB) GetPendingRecords(sessionID string, models []string, limit, offset int) ([]*SyncRecord, int, error) {
	where := "session_id = ? AND status = 'pending'"
	args := []interface{}{sessionID}

	if len(models) > 0 {
		where += " AND model_name IN (?" + repeatPlaceholder(len(models)-1) + ")"
		for _, m := range models {
			args = append(args, m)
		}
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM sync_records WHERE " + where
	if err := sdb.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count pending records: %v", err)
	}

	query := `
		SELECT id, session_id, model_name, record_id, operation, data, checksum,
		       local_version, remote_version, status, error_message, created_at, applied_at
		FROM sync_records
		WHERE ` + where + `
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := sdb.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query pending records: %v", err)
	}
	defer rows.Close()

	var records []*SyncRecord
	for rows.Next() {
		var r SyncRecord
		var createdAt int64
		var appliedAt sql.NullInt64

		err := rows.Scan(
			&r.ID, &r.SessionID, &r.ModelName, &r.RecordID, &r.Operation,
			&r.Data, &r.Checksum, &r.LocalVersion, &r.RemoteVersion,
			&r.Status, &r.ErrorMessage, &createdAt, &appliedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan pending record: %v", err)
		}

		r.CreatedAt = time.Unix(createdAt, 0)
		if appliedAt.Valid {
			t := time.Unix(appliedAt.Int64, 0)
			r.AppliedAt = &t
		}
		records = append(records, &r)
	}
	return records, total, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// GetSessionConflicts lists all conflicts of one session
func (sdb *SyncDB) GetSessionConflicts(sessionID string) ([]*SyncConflict, error) {
	rows, err := sdb.conflictsStmt.Query(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync conflicts: %v", err)
	}
	defer rows.Close()

	var conflicts []*SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync conflict: %v", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// GetVersionVector loads the watermark for (node, model); a zero vector when
// absent. Reads through the push transaction when tx is non-nil so earlier
// writes in the same batch are visible.
func (sdb *SyncDB) GetVersionVector(tx *sql.Tx, nodeID, modelName string) (*VersionVector, error) {
	stmt := sdb.getVectorStmt
	if tx != nil {
		stmt = tx.Stmt(stmt)
	}

	var v VersionVector
	var updatedAt int64

	err := stmt.QueryRow(nodeID, modelName).Scan(
		&v.NodeID, &v.ModelName, &v.Version, &v.LastSyncedVersion, &v.PendingChanges, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return &VersionVector{NodeID: nodeID, ModelName: modelName}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version vector: %v", err)
	}

	v.UpdatedAt = time.Unix(updatedAt, 0)
	return &v, nil
}

// PutVersionVector upserts a watermark, optionally inside a push transaction
func (sdb *SyncDB) PutVersionVector(tx *sql.Tx, v *VersionVector) error {
	v.UpdatedAt = time.Now()

	stmt := sdb.upsertVectorStmt
	if tx != nil {
		stmt = tx.Stmt(stmt)
	}

	_, err := stmt.Exec(v.NodeID, v.ModelName, v.Version, v.LastSyncedVersion, v.PendingChanges, v.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert version vector %s/%s: %v", v.NodeID, v.ModelName, err)
	}
	return nil
}

// GetNodeVectors lists all watermarks known for a node
func (sdb *SyncDB) GetNodeVectors(nodeID string) ([]*VersionVector, error) {
	rows, err := sdb.vectorsByNodeStmt.Query(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query version vectors: %v", err)
	}
	defer rows.Close()

	var vectors []*VersionVector
	for rows.Next() {
		var v VersionVector
		var updatedAt int64
		if err := rows.Scan(&v.NodeID, &v.ModelName, &v.Version, &v.LastSyncedVersion, &v.PendingChanges, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version vector: %v", err)
		}
		v.UpdatedAt = time.Unix(updatedAt, 0)
		vectors = append(vectors, &v)
	}
	return vectors, rows.Err()
}

// MarkModelSynced advances last_synced_version to the current version
func (sdb *SyncDB) MarkModelSynced(nodeID, modelName string) error {
	_, err := sdb.markSyncedStmt.Exec(time.Now().Unix(), nodeID, modelName)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s synced: %v", nodeID, modelName, err)
	}
	return nil
}

// BeginTx starts a transaction for a push batch
func (sdb *SyncDB) BeginTx() (*sql.Tx, error) {
	return sdb.db.Begin()
}

// Close releases the prepared statements
func (sdb *SyncDB) Close() error {
	stmts := []*sql.Stmt{
		sdb.insertSessionStmt, sdb.getSessionStmt, sdb.updateSessionStmt, sdb.completeSessionStmt,
		sdb.insertRecordStmt, sdb.updateRecordStmt, sdb.recordsBySessionStmt,
		sdb.insertConflictStmt, sdb.getConflictStmt, sdb.resolveConflictStmt,
		sdb.unresolvedCountStmt, sdb.conflictsStmt, sdb.nodeUnresolvedStmt, sdb.latestRecordStmt,
		sdb.getVectorStmt, sdb.upsertVectorStmt, sdb.vectorsByNodeStmt, sdb.markSyncedStmt,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
