package sync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unibos-labs/unibos-node/internal/database"
	"github.com/unibos-labs/unibos-node/internal/utils"
)

// ErrSessionNotFound marks an unknown session id; the API layer maps it to 404
var ErrSessionNotFound = fmt.Errorf("sync session not found")

// InitRequest opens a sync session for a node
type InitRequest struct {
	NodeID        string           `json:"node_id"`
	NodeHostname  string           `json:"node_hostname"`
	Modules       []string         `json:"modules"`
	VersionVector map[string]int64 `json:"version_vector"`
	Direction     string           `json:"direction"`
}

// InitResponse reports what the hub knows relative to the node's claim
type InitResponse struct {
	SessionID         string           `json:"session_id"`
	HubVersionVector  map[string]int64 `json:"hub_version_vector"`
	ChangesAvailable  int64            `json:"changes_available"`
	ConflictsDetected int              `json:"conflicts_detected"`
	Modules           []string         `json:"modules"`
}

// PullRequest pages through a session's pending records
type PullRequest struct {
	SessionID string   `json:"session_id"`
	BatchSize int      `json:"batch_size"`
	Offset    int      `json:"offset"`
	Models    []string `json:"models"`
}

// PullRecord is the wire form of one sync record
type PullRecord struct {
	ID            string                 `json:"id"`
	ModelName     string                 `json:"model_name"`
	RecordID      string                 `json:"record_id"`
	Operation     string                 `json:"operation"`
	Data          map[string]interface{} `json:"data"`
	Checksum      string                 `json:"checksum"`
	LocalVersion  int64                  `json:"local_version"`
	RemoteVersion int64                  `json:"remote_version"`
}

// PullResponse is one page of pending records
type PullResponse struct {
	Records    []PullRecord `json:"records"`
	TotalCount int          `json:"total_count"`
	HasMore    bool         `json:"has_more"`
	NextOffset int          `json:"next_offset"`
}

// PushRecord is one client-submitted mutation
type PushRecord struct {
	ModelName    string                 `json:"model_name"`
	RecordID     string                 `json:"record_id"`
	Operation    string                 `json:"operation"`
	Data         map[string]interface{} `json:"data"`
	LocalVersion int64                  `json:"local_version"`
	ModifiedAt   float64                `json:"modified_at"`
}

// PushRequest submits a batch of mutations
type PushRequest struct {
	SessionID string       `json:"session_id"`
	Records   []PushRecord `json:"records"`
}

// PushError reports one record that could not be processed
type PushError struct {
	ModelName string `json:"model_name"`
	RecordID  string `json:"record_id"`
	Error     string `json:"error"`
}

// PushResponse summarizes a push batch
type PushResponse struct {
	Accepted  int         `json:"accepted"`
	Rejected  int         `json:"rejected"`
	Conflicts int         `json:"conflicts"`
	Errors    []PushError `json:"errors"`
}

// CompleteResponse reports a completion attempt
type CompleteResponse struct {
	Status              string `json:"status"`
	SessionID           string `json:"session_id"`
	ProcessedRecords    int    `json:"processed_records,omitempty"`
	CompletedAt         string `json:"completed_at,omitempty"`
	UnresolvedConflicts int    `json:"unresolved_conflicts,omitempty"`
}

// StatusResponse reports whether a node is fully reconciled
type StatusResponse struct {
	NodeID              string `json:"node_id"`
	IsSynced            bool   `json:"is_synced"`
	PendingPush         int64  `json:"pending_push"`
	UnresolvedConflicts int    `json:"unresolved_conflicts"`
	OfflineOperations   int    `json:"offline_operations"`
}

// Engine is the hub-side sync coordinator: session lifecycle, version
// vector comparison, optimistic-concurrency push, conflict bookkeeping.
type Engine struct {
	config *utils.ConfigManager
	logger *utils.LogsManager
	db     *database.SQLiteManager
}

// NewEngine creates the sync engine over the hub database
func NewEngine(config *utils.ConfigManager, logger *utils.LogsManager, db *database.SQLiteManager) *Engine {
	return &Engine{
		config: config,
		logger: logger,
		db:     db,
	}
}

// Init opens a session: compares the node's claimed version vector against
// the hub's stored vectors and reports pending work in both directions.
func (e *Engine) Init(req *InitRequest) (*InitResponse, error) {
	if req.NodeID == "" {
		return nil, fmt.Errorf("node_id is required")
	}

	hubVectors, err := e.db.Sync.GetNodeVectors(req.NodeID)
	if err != nil {
		return nil, err
	}

	hubVector := make(map[string]int64, len(hubVectors))
	for _, v := range hubVectors {
		hubVector[v.ModelName] = v.Version
	}

	var changesAvailable int64
	for model, hubVersion := range hubVector {
		if delta := hubVersion - req.VersionVector[model]; delta > 0 {
			changesAvailable += delta
		}
	}

	conflicts, err := e.db.Sync.NodeUnresolvedConflictCount(req.NodeID)
	if err != nil {
		return nil, err
	}

	nodeJSON, err := json.Marshal(req.VersionVector)
	if err != nil {
		return nil, fmt.Errorf("invalid version vector: %v", err)
	}
	hubJSON, err := json.Marshal(hubVector)
	if err != nil {
		return nil, err
	}

	session := &database.SyncSession{
		ID:           uuid.New().String(),
		NodeID:       req.NodeID,
		Status:       database.SessionPending,
		NodeVersions: string(nodeJSON),
		HubVersions:  string(hubJSON),
	}
	if err := e.db.Sync.CreateSession(session); err != nil {
		return nil, err
	}

	e.logger.Info(fmt.Sprintf("Sync session %s opened for node %s (%d changes available, %d conflicts)",
		session.ID, req.NodeID, changesAvailable, conflicts), "sync")

	return &InitResponse{
		SessionID:         session.ID,
		HubVersionVector:  hubVector,
		ChangesAvailable:  changesAvailable,
		ConflictsDetected: conflicts,
		Modules:           req.Modules,
	}, nil
}

// Pull pages through a session's pending records. The first pull moves the
// session to in_progress.
func (e *Engine) Pull(req *PullRequest) (*PullResponse, error) {
	session, err := e.db.Sync.GetSession(req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	if session.Status == database.SessionPending {
		session.Status = database.SessionInProgress
		if err := e.db.Sync.UpdateSession(nil, session); err != nil {
			return nil, err
		}
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = e.config.GetConfigInt("sync_pull_batch_size", 100, 1, 1000)
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	records, total, err := e.db.Sync.GetPendingRecords(req.SessionID, req.Models, batchSize, req.Offset)
	if err != nil {
		return nil, err
	}

	resp := &PullResponse{
		Records:    make([]PullRecord, 0, len(records)),
		TotalCount: total,
	}
	for _, r := range records {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(r.Data), &data); err != nil {
			data = map[string]interface{}{}
		}
		resp.Records = append(resp.Records, PullRecord{
			ID:            r.ID,
			ModelName:     r.ModelName,
			RecordID:      r.RecordID,
			Operation:     r.Operation,
			Data:          data,
			Checksum:      r.Checksum,
			LocalVersion:  r.LocalVersion,
			RemoteVersion: r.RemoteVersion,
		})
	}

	resp.NextOffset = req.Offset + len(records)
	resp.HasMore = resp.NextOffset < total
	return resp, nil
}

// Push applies a batch of mutations inside one transaction. A record whose
// claimed local_version lags the hub's stored remote_version for the same
// (model, record_id) produces a conflict and is not applied; any other
// per-record failure lands in the errors list without aborting the batch.
func (e *Engine) Push(req *PushRequest) (*PushResponse, error) {
	session, err := e.db.Sync.GetSession(req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	tx, err := e.db.Sync.BeginTx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin push transaction: %v", err)
	}
	defer tx.Rollback()

	resp := &PushResponse{Errors: []PushError{}}

	for _, rec := range req.Records {
		if err := e.pushOne(tx, session, &rec, resp); err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, PushError{
				ModelName: rec.ModelName,
				RecordID:  rec.RecordID,
				Error:     err.Error(),
			})
		}
	}

	session.TotalRecords += len(req.Records)
	session.ProcessedRecords += resp.Accepted
	session.ConflictCount += resp.Conflicts
	session.ErrorCount += resp.Rejected
	if session.Status == database.SessionPending {
		session.Status = database.SessionInProgress
	}
	if err := e.db.Sync.UpdateSession(tx, session); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit push transaction: %v", err)
	}

	return resp, nil
}

// pushOne handles a single record within the batch transaction. Returns an
// error only for rejections; conflicts and acceptances update resp directly.
func (e *Engine) pushOne(tx *sql.Tx, session *database.SyncSession, rec *PushRecord, resp *PushResponse) error {
	if rec.ModelName == "" || rec.RecordID == "" {
		return fmt.Errorf("model_name and record_id are required")
	}
	switch rec.Operation {
	case database.OpCreate, database.OpUpdate, database.OpDelete:
	default:
		return fmt.Errorf("unknown operation %q", rec.Operation)
	}

	checksum, err := utils.Checksum(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to compute checksum: %v", err)
	}

	existing, err := e.db.Sync.LatestRecord(tx, rec.ModelName, rec.RecordID)
	if err != nil {
		return err
	}

	if existing != nil && existing.RemoteVersion > rec.LocalVersion {
		// Optimistic-concurrency violation: capture both sides, apply nothing
		nodeData, _ := json.Marshal(rec.Data)
		hubModifiedAt := float64(existing.CreatedAt.Unix())
		if existing.AppliedAt != nil {
			hubModifiedAt = float64(existing.AppliedAt.Unix())
		}

		conflict := &database.SyncConflict{
			ID:             uuid.New().String(),
			SessionID:      session.ID,
			ModelName:      rec.ModelName,
			RecordID:       rec.RecordID,
			NodeData:       string(nodeData),
			HubData:        existing.Data,
			NodeModifiedAt: rec.ModifiedAt,
			HubModifiedAt:  hubModifiedAt,
			Strategy:       database.StrategyManual,
		}
		if err := e.db.Sync.CreateConflict(tx, conflict); err != nil {
			return err
		}

		resp.Conflicts++
		return nil
	}

	dataJSON, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to encode record data: %v", err)
	}

	now := time.Now()
	record := &database.SyncRecord{
		ID:            uuid.New().String(),
		SessionID:     session.ID,
		ModelName:     rec.ModelName,
		RecordID:      rec.RecordID,
		Operation:     rec.Operation,
		Data:          string(dataJSON),
		Checksum:      checksum,
		LocalVersion:  rec.LocalVersion,
		RemoteVersion: rec.LocalVersion,
		Status:        database.RecordApplied,
		AppliedAt:     &now,
	}
	if err := e.db.Sync.InsertRecord(tx, record); err != nil {
		return err
	}

	vector, err := e.db.Sync.GetVersionVector(tx, session.NodeID, rec.ModelName)
	if err != nil {
		return err
	}
	if rec.LocalVersion > vector.Version {
		vector.Version = rec.LocalVersion
	}
	if err := e.db.Sync.PutVersionVector(tx, vector); err != nil {
		return err
	}

	resp.Accepted++
	return nil
}

// Complete closes a session. A session with unresolved conflicts transitions
// to conflict instead and reports how many remain.
func (e *Engine) Complete(sessionID string) (*CompleteResponse, error) {
	session, err := e.db.Sync.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	unresolved, err := e.db.Sync.UnresolvedConflictCount(sessionID)
	if err != nil {
		return nil, err
	}

	if unresolved > 0 {
		if err := e.db.Sync.CompleteSession(sessionID, database.SessionConflict); err != nil {
			return nil, err
		}
		e.logger.Warn(fmt.Sprintf("Sync session %s blocked by %d unresolved conflicts", sessionID, unresolved), "sync")
		return &CompleteResponse{
			Status:              "conflict",
			SessionID:           sessionID,
			UnresolvedConflicts: unresolved,
		}, nil
	}

	if err := e.db.Sync.CompleteSession(sessionID, database.SessionCompleted); err != nil {
		return nil, err
	}

	// Advance the synced watermark for every model the node claimed
	var nodeVector map[string]int64
	if err := json.Unmarshal([]byte(session.NodeVersions), &nodeVector); err == nil {
		for model := range nodeVector {
			if err := e.db.Sync.MarkModelSynced(session.NodeID, model); err != nil {
				e.logger.Error(fmt.Sprintf("Failed to advance sync watermark for %s/%s: %v",
					session.NodeID, model, err), "sync")
			}
		}
	}

	e.logger.Info(fmt.Sprintf("Sync session %s completed (%d records)", sessionID, session.ProcessedRecords), "sync")

	return &CompleteResponse{
		Status:           "completed",
		SessionID:        sessionID,
		ProcessedRecords: session.ProcessedRecords,
		CompletedAt:      time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ResolveConflict applies a resolution strategy to an open conflict.
// Automatic strategies derive the winning payload from the stored snapshots;
// manual and merge require a caller-provided resolution.
func (e *Engine) ResolveConflict(conflictID, strategy, resolvedBy string, resolution map[string]interface{}) (*database.SyncConflict, error) {
	conflict, err := e.db.Sync.GetConflict(conflictID)
	if err != nil {
		return nil, err
	}
	if conflict == nil {
		return nil, fmt.Errorf("conflict %s not found", conflictID)
	}
	if conflict.Resolved {
		return nil, fmt.Errorf("conflict %s is already resolved", conflictID)
	}

	var resolutionData string
	switch strategy {
	case database.StrategyNewerWins:
		if conflict.NodeModifiedAt >= conflict.HubModifiedAt {
			resolutionData = conflict.NodeData
		} else {
			resolutionData = conflict.HubData
		}
	case database.StrategyOlderWins:
		if conflict.NodeModifiedAt <= conflict.HubModifiedAt {
			resolutionData = conflict.NodeData
		} else {
			resolutionData = conflict.HubData
		}
	case database.StrategyHubWins:
		resolutionData = conflict.HubData
	case database.StrategyNodeWins:
		resolutionData = conflict.NodeData
	case database.StrategyKeepBoth:
		// No auto-merge: keep both snapshots for downstream manual handling
		both, err := json.Marshal(map[string]json.RawMessage{
			"node": json.RawMessage(conflict.NodeData),
			"hub":  json.RawMessage(conflict.HubData),
		})
		if err != nil {
			return nil, err
		}
		resolutionData = string(both)
	case database.StrategyManual, database.StrategyMerge:
		if resolution == nil {
			return nil, fmt.Errorf("strategy %s requires a resolution payload", strategy)
		}
		data, err := json.Marshal(resolution)
		if err != nil {
			return nil, fmt.Errorf("invalid resolution payload: %v", err)
		}
		resolutionData = string(data)
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	ok, err := e.db.Sync.ResolveConflict(conflictID, strategy, resolutionData, resolvedBy)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("conflict %s is already resolved", conflictID)
	}

	return e.db.Sync.GetConflict(conflictID)
}

// Status reports whether a node is fully reconciled: no pending pushes, no
// unresolved conflicts, no queued offline operations.
func (e *Engine) Status(nodeID string) (*StatusResponse, error) {
	vectors, err := e.db.Sync.GetNodeVectors(nodeID)
	if err != nil {
		return nil, err
	}

	var pendingPush int64
	for _, v := range vectors {
		pendingPush += v.PendingChanges
		if delta := v.Version - v.LastSyncedVersion; delta > 0 {
			pendingPush += delta
		}
	}

	unresolved, err := e.db.Sync.NodeUnresolvedConflictCount(nodeID)
	if err != nil {
		return nil, err
	}

	offline, err := e.db.Offline.CountOutstanding()
	if err != nil {
		return nil, err
	}

	return &StatusResponse{
		NodeID:              nodeID,
		IsSynced:            pendingPush == 0 && unresolved == 0 && offline == 0,
		PendingPush:         pendingPush,
		UnresolvedConflicts: unresolved,
		OfflineOperations:   offline,
	}, nil
}
