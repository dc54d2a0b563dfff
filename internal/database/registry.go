package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

// RegisteredNode is one entry in the hub's node registry
type RegisteredNode struct {
	NodeID       string
	Hostname     string
	IPAddress    string
	Port         int
	Version      string
	Platform     string
	Capabilities string // JSON
	IsActive     bool
	FirstSeen    time.Time
	LastSeen     time.Time
}

// RegistryDB persists nodes announced to the hub
type RegistryDB struct {
	db     *sql.DB
	logger *utils.LogsManager

	upsertStmt     *sql.Stmt
	getStmt        *sql.Stmt
	listStmt       *sql.Stmt
	deactivateStmt *sql.Stmt
	touchStmt      *sql.Stmt
}

// NewRegistryDB creates the hub node registry manager
func NewRegistryDB(db *sql.DB, logger *utils.LogsManager) (*RegistryDB, error) {
	r := &RegistryDB{
		db:     db,
		logger: logger,
	}

	if err := r.createTables(); err != nil {
		return nil, err
	}
	if err := r.prepareStatements(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *RegistryDB) createTables() error {
	createTableSQL := `
CREATE TABLE IF NOT EXISTS registered_nodes (
	"node_id" TEXT NOT NULL PRIMARY KEY,
	"hostname" TEXT NOT NULL DEFAULT '',
	"ip_address" TEXT NOT NULL DEFAULT '',
	"port" INTEGER NOT NULL DEFAULT 0,
	"version" TEXT NOT NULL DEFAULT '',
	"platform" TEXT NOT NULL DEFAULT '',
	"capabilities" TEXT NOT NULL DEFAULT '{}',
	"is_active" INTEGER NOT NULL DEFAULT 1,
	"first_seen" INTEGER NOT NULL,
	"last_seen" INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_registered_nodes_active ON registered_nodes(is_active, last_seen);
`

	if _, err := r.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("failed to create registered_nodes table: %v", err)
	}

	r.logger.Debug("Created registered_nodes table successfully", "database")
	return nil
}

func (r *RegistryDB) prepareStatements() error {
	var err error

	r.upsertStmt, err = r.db.Prepare(`
		INSERT INTO registered_nodes (node_id, hostname, ip_address, port, version, platform, capabilities,
		                              is_active, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			hostname = excluded.hostname,
			ip_address = excluded.ip_address,
			port = excluded.port,
			version = excluded.version,
			platform = excluded.platform,
			capabilities = excluded.capabilities,
			is_active = 1,
			last_seen = excluded.last_seen
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %v", err)
	}

	r.getStmt, err = r.db.Prepare(`
		SELECT node_id, hostname, ip_address, port, version, platform, capabilities, is_active, first_seen, last_seen
		FROM registered_nodes
		WHERE node_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %v", err)
	}

	r.listStmt, err = r.db.Prepare(`
		SELECT node_id, hostname, ip_address, port, version, platform, capabilities, is_active, first_seen, last_seen
		FROM registered_nodes
		WHERE is_active = 1
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %v", err)
	}

	r.deactivateStmt, err = r.db.Prepare(`
		UPDATE registered_nodes
		SET is_active = 0
		WHERE is_active = 1 AND last_seen < ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare deactivate statement: %v", err)
	}

	r.touchStmt, err = r.db.Prepare(`
		UPDATE registered_nodes
		SET last_seen = ?, is_active = 1
		WHERE node_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare touch statement: %v", err)
	}

	return nil
}

// Upsert registers a node or refreshes its entry
func (r *RegistryDB) Upsert(node *RegisteredNode) error {
	now := time.Now()
	if node.Capabilities == "" {
		node.Capabilities = "{}"
	}

	_, err := r.upsertStmt.Exec(
		node.NodeID, node.Hostname, node.IPAddress, node.Port,
		node.Version, node.Platform, node.Capabilities,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert registered node %s: %v", node.NodeID, err)
	}
	return nil
}

// Get loads one node, or nil when unknown
func (r *RegistryDB) Get(nodeID string) (*RegisteredNode, error) {
	node, err := scanRegisteredNode(r.getStmt.QueryRow(nodeID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return node, err
}

func scanRegisteredNode(scan func(dest ...interface{}) error) (*RegisteredNode, error) {
	var n RegisteredNode
	var isActive int
	var firstSeen, lastSeen int64

	err := scan(
		&n.NodeID, &n.Hostname, &n.IPAddress, &n.Port,
		&n.Version, &n.Platform, &n.Capabilities,
		&isActive, &firstSeen, &lastSeen,
	)
	if err != nil {
		return nil, err
	}

	n.IsActive = isActive != 0
	n.FirstSeen = time.Unix(firstSeen, 0)
	n.LastSeen = time.Unix(lastSeen, 0)
	return &n, nil
}

// ListActive lists active nodes, most recently seen first
func (r *RegistryDB) ListActive() ([]*RegisteredNode, error) {
	rows, err := r.listStmt.Query()
	if err != nil {
		return nil, fmt.Errorf("failed to query registered nodes: %v", err)
	}
	defer rows.Close()

	var nodes []*RegisteredNode
	for rows.Next() {
		node, err := scanRegisteredNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registered node: %v", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// Touch refreshes a node's last_seen watermark
func (r *RegistryDB) Touch(nodeID string) error {
	if _, err := r.touchStmt.Exec(time.Now().Unix(), nodeID); err != nil {
		return fmt.Errorf("failed to touch registered node %s: %v", nodeID, err)
	}
	return nil
}

// DeactivateStale marks nodes unseen since the cutoff inactive
func (r *RegistryDB) DeactivateStale(cutoff time.Time) (int64, error) {
	result, err := r.deactivateStmt.Exec(cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate stale nodes: %v", err)
	}
	return result.RowsAffected()
}

// Close releases the prepared statements
func (r *RegistryDB) Close() error {
	stmts := []*sql.Stmt{r.upsertStmt, r.getStmt, r.listStmt, r.deactivateStmt, r.touchStmt}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
