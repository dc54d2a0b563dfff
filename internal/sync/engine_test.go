package sync

import (
	"testing"

	"github.com/google/uuid"

	"github.com/unibos-labs/unibos-node/internal/database"
	"github.com/unibos-labs/unibos-node/internal/utils"
)

func setupEngine(t *testing.T) (*Engine, *database.SQLiteManager) {
	t.Helper()

	cm := utils.NewConfigManager("")
	cm.SetConfig("database_file", ":memory:")
	logger := utils.NewLogsManager(cm)

	db, err := database.NewSQLiteManager(cm, logger)
	if err != nil {
		t.Fatalf("Failed to create database manager: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		logger.Close()
	})

	return NewEngine(cm, logger, db), db
}

func seedVector(t *testing.T, db *database.SQLiteManager, nodeID, model string, version int64) {
	t.Helper()
	err := db.Sync.PutVersionVector(nil, &database.VersionVector{
		NodeID:    nodeID,
		ModelName: model,
		Version:   version,
	})
	if err != nil {
		t.Fatalf("Failed to seed version vector: %v", err)
	}
}

func TestInitReportsChangesAvailable(t *testing.T) {
	engine, db := setupEngine(t)

	seedVector(t, db, "node-a", "inventory.item", 10)
	seedVector(t, db, "node-a", "sales.order", 4)

	resp, err := engine.Init(&InitRequest{
		NodeID:        "node-a",
		VersionVector: map[string]int64{"inventory.item": 7, "sales.order": 4},
	})
	if err != nil {
		t.Fatalf("Failed to init session: %v", err)
	}

	if resp.SessionID == "" {
		t.Fatal("Expected a session id")
	}
	// Only the inventory model lags: 10 - 7
	if resp.ChangesAvailable != 3 {
		t.Errorf("Expected 3 changes available, got %d", resp.ChangesAvailable)
	}
	if resp.ConflictsDetected != 0 {
		t.Errorf("Expected no conflicts, got %d", resp.ConflictsDetected)
	}
	if resp.HubVersionVector["inventory.item"] != 10 {
		t.Errorf("Expected the hub vector to be reported, got %v", resp.HubVersionVector)
	}

	session, err := db.Sync.GetSession(resp.SessionID)
	if err != nil {
		t.Fatalf("Failed to load session: %v", err)
	}
	if session == nil {
		t.Fatal("Init did not persist the session")
	}
	if session.Status != database.SessionPending {
		t.Errorf("Expected a pending session, got %s", session.Status)
	}
}

func TestInitRequiresNodeID(t *testing.T) {
	engine, _ := setupEngine(t)

	if _, err := engine.Init(&InitRequest{}); err == nil {
		t.Error("Expected init without node_id to fail")
	}
}

func TestPushAcceptsAndAdvancesVector(t *testing.T) {
	engine, db := setupEngine(t)

	init, err := engine.Init(&InitRequest{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("Failed to init session: %v", err)
	}

	resp, err := engine.Push(&PushRequest{
		SessionID: init.SessionID,
		Records: []PushRecord{{
			ModelName:    "inventory.item",
			RecordID:     "item-1",
			Operation:    database.OpCreate,
			Data:         map[string]interface{}{"qty": 5},
			LocalVersion: 3,
		}},
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if resp.Accepted != 1 || resp.Rejected != 0 || resp.Conflicts != 0 {
		t.Errorf("Expected 1 accepted, got %+v", resp)
	}

	vector, err := db.Sync.GetVersionVector(nil, "node-a", "inventory.item")
	if err != nil {
		t.Fatalf("Failed to load vector: %v", err)
	}
	if vector.Version != 3 {
		t.Errorf("Expected the vector to advance to 3, got %d", vector.Version)
	}

	session, _ := db.Sync.GetSession(init.SessionID)
	if session.ProcessedRecords != 1 || session.Status != database.SessionInProgress {
		t.Errorf("Session counters not updated: %+v", session)
	}
}

func TestPushDetectsStaleVersionConflict(t *testing.T) {
	engine, db := setupEngine(t)

	init, err := engine.Init(&InitRequest{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("Failed to init session: %v", err)
	}

	// The hub already holds version 6 of this record
	first, err := engine.Push(&PushRequest{
		SessionID: init.SessionID,
		Records: []PushRecord{{
			ModelName:    "inventory.item",
			RecordID:     "item-1",
			Operation:    database.OpUpdate,
			Data:         map[string]interface{}{"qty": 6},
			LocalVersion: 6,
		}},
	})
	if err != nil {
		t.Fatalf("Seed push failed: %v", err)
	}
	if first.Accepted != 1 {
		t.Fatalf("Seed push not accepted: %+v", first)
	}

	// A node pushing from a stale base must not overwrite it
	second, err := engine.Push(&PushRequest{
		SessionID: init.SessionID,
		Records: []PushRecord{{
			ModelName:    "inventory.item",
			RecordID:     "item-1",
			Operation:    database.OpUpdate,
			Data:         map[string]interface{}{"qty": 2},
			LocalVersion: 5,
			ModifiedAt:   1700000000,
		}},
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if second.Conflicts != 1 || second.Accepted != 0 || second.Rejected != 0 {
		t.Errorf("Expected exactly one conflict, got %+v", second)
	}

	// The stored record is untouched
	latest, err := db.Sync.LatestRecord(nil, "inventory.item", "item-1")
	if err != nil {
		t.Fatalf("Failed to load latest record: %v", err)
	}
	if latest.RemoteVersion != 6 {
		t.Errorf("Conflicting push changed the stored record: version %d", latest.RemoteVersion)
	}

	conflicts, err := db.Sync.GetSessionConflicts(init.SessionID)
	if err != nil {
		t.Fatalf("Failed to load conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("Expected 1 stored conflict, got %d", len(conflicts))
	}
	if conflicts[0].HubData == "" || conflicts[0].NodeData == "" {
		t.Error("Expected both data snapshots on the conflict")
	}
}

func TestPushMixedBatch(t *testing.T) {
	engine, _ := setupEngine(t)

	init, err := engine.Init(&InitRequest{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("Failed to init session: %v", err)
	}

	// Seed version 6 so the second record below conflicts
	if _, err := engine.Push(&PushRequest{
		SessionID: init.SessionID,
		Records: []PushRecord{{
			ModelName:    "inventory.item",
			RecordID:     "item-1",
			Operation:    database.OpCreate,
			LocalVersion: 6,
		}},
	}); err != nil {
		t.Fatalf("Seed push failed: %v", err)
	}

	resp, err := engine.Push(&PushRequest{
		SessionID: init.SessionID,
		Records: []PushRecord{
			{
				ModelName:    "sales.order",
				RecordID:     "order-1",
				Operation:    database.OpCreate,
				LocalVersion: 1,
			},
			{
				ModelName:    "inventory.item",
				RecordID:     "item-1",
				Operation:    database.OpUpdate,
				LocalVersion: 5,
			},
			{
				ModelName:    "sales.order",
				RecordID:     "order-2",
				Operation:    "upsert",
				LocalVersion: 1,
			},
		},
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if resp.Accepted != 1 || resp.Conflicts != 1 || resp.Rejected != 1 {
		t.Errorf("Expected accepted=1 conflicts=1 rejected=1, got %+v", resp)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].RecordID != "order-2" {
		t.Errorf("Expected the invalid operation in the errors list, got %+v", resp.Errors)
	}
}

func TestPushUnknownSession(t *testing.T) {
	engine, _ := setupEngine(t)

	_, err := engine.Push(&PushRequest{SessionID: uuid.New().String()})
	if err != ErrSessionNotFound {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestPullPaginatesAndStartsSession(t *testing.T) {
	engine, db := setupEngine(t)

	init, err := engine.Init(&InitRequest{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("Failed to init session: %v", err)
	}

	for i := 0; i < 5; i++ {
		record := &database.SyncRecord{
			ID:        uuid.New().String(),
			SessionID: init.SessionID,
			ModelName: "inventory.item",
			RecordID:  uuid.New().String(),
			Operation: database.OpCreate,
			Data:      `{"qty":1}`,
			Checksum:  "abc",
		}
		if err := db.Sync.InsertRecord(nil, record); err != nil {
			t.Fatalf("Failed to seed record: %v", err)
		}
	}

	resp, err := engine.Pull(&PullRequest{SessionID: init.SessionID, BatchSize: 2})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	if len(resp.Records) != 2 || resp.TotalCount != 5 {
		t.Errorf("Expected 2 of 5 records, got %d of %d", len(resp.Records), resp.TotalCount)
	}
	if !resp.HasMore || resp.NextOffset != 2 {
		t.Errorf("Expected more pages from offset 2, got has_more=%v offset=%d", resp.HasMore, resp.NextOffset)
	}

	session, _ := db.Sync.GetSession(init.SessionID)
	if session.Status != database.SessionInProgress {
		t.Errorf("Expected the first pull to start the session, got %s", session.Status)
	}

	last, err := engine.Pull(&PullRequest{SessionID: init.SessionID, BatchSize: 3, Offset: 3})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(last.Records) != 2 || last.HasMore {
		t.Errorf("Expected the final page of 2, got %d (has_more=%v)", len(last.Records), last.HasMore)
	}
}

func TestPullUnknownSession(t *testing.T) {
	engine, _ := setupEngine(t)

	_, err := engine.Pull(&PullRequest{SessionID: uuid.New().String()})
	if err != ErrSessionNotFound {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestCompleteBlockedByUnresolvedConflict(t *testing.T) {
	engine, db := setupEngine(t)

	init, err := engine.Init(&InitRequest{
		NodeID:        "node-a",
		VersionVector: map[string]int64{"inventory.item": 6},
	})
	if err != nil {
		t.Fatalf("Failed to init session: %v", err)
	}

	// Produce one conflict through the normal push path
	if _, err := engine.Push(&PushRequest{
		SessionID: init.SessionID,
		Records: []PushRecord{{
			ModelName: "inventory.item", RecordID: "item-1",
			Operation: database.OpCreate, LocalVersion: 6,
		}},
	}); err != nil {
		t.Fatalf("Seed push failed: %v", err)
	}
	if _, err := engine.Push(&PushRequest{
		SessionID: init.SessionID,
		Records: []PushRecord{{
			ModelName: "inventory.item", RecordID: "item-1",
			Operation: database.OpUpdate, LocalVersion: 5,
		}},
	}); err != nil {
		t.Fatalf("Conflict push failed: %v", err)
	}

	blocked, err := engine.Complete(init.SessionID)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if blocked.Status != "conflict" || blocked.UnresolvedConflicts != 1 {
		t.Errorf("Expected completion to be blocked by 1 conflict, got %+v", blocked)
	}

	conflicts, _ := db.Sync.GetSessionConflicts(init.SessionID)
	if len(conflicts) != 1 {
		t.Fatalf("Expected 1 conflict, got %d", len(conflicts))
	}
	if _, err := engine.ResolveConflict(conflicts[0].ID, database.StrategyHubWins, "admin", nil); err != nil {
		t.Fatalf("Failed to resolve conflict: %v", err)
	}

	done, err := engine.Complete(init.SessionID)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != "completed" {
		t.Errorf("Expected the resolved session to complete, got %+v", done)
	}

	// Completion advances the claimed model's watermark
	vector, _ := db.Sync.GetVersionVector(nil, "node-a", "inventory.item")
	if vector.LastSyncedVersion != vector.Version {
		t.Errorf("Expected the watermark to advance, got %+v", vector)
	}
}

func TestResolveConflictStrategies(t *testing.T) {
	engine, db := setupEngine(t)

	session := &database.SyncSession{ID: uuid.New().String(), NodeID: "node-a"}
	if err := db.Sync.CreateSession(session); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	newConflict := func() *database.SyncConflict {
		c := &database.SyncConflict{
			ID:             uuid.New().String(),
			SessionID:      session.ID,
			ModelName:      "inventory.item",
			RecordID:       uuid.New().String(),
			NodeData:       `{"qty":5}`,
			HubData:        `{"qty":7}`,
			NodeModifiedAt: 2000,
			HubModifiedAt:  1000,
		}
		if err := db.Sync.CreateConflict(nil, c); err != nil {
			t.Fatalf("Failed to create conflict: %v", err)
		}
		return c
	}

	// The node side is newer
	c := newConflict()
	resolved, err := engine.ResolveConflict(c.ID, database.StrategyNewerWins, "system", nil)
	if err != nil {
		t.Fatalf("newer_wins failed: %v", err)
	}
	if resolved.ResolutionData != `{"qty":5}` {
		t.Errorf("newer_wins picked the wrong side: %s", resolved.ResolutionData)
	}

	c = newConflict()
	resolved, err = engine.ResolveConflict(c.ID, database.StrategyOlderWins, "system", nil)
	if err != nil {
		t.Fatalf("older_wins failed: %v", err)
	}
	if resolved.ResolutionData != `{"qty":7}` {
		t.Errorf("older_wins picked the wrong side: %s", resolved.ResolutionData)
	}

	c = newConflict()
	resolved, err = engine.ResolveConflict(c.ID, database.StrategyKeepBoth, "system", nil)
	if err != nil {
		t.Fatalf("keep_both failed: %v", err)
	}
	if resolved.ResolutionData != `{"hub":{"qty":7},"node":{"qty":5}}` {
		t.Errorf("keep_both did not preserve both snapshots: %s", resolved.ResolutionData)
	}

	// Manual requires a payload
	c = newConflict()
	if _, err := engine.ResolveConflict(c.ID, database.StrategyManual, "admin", nil); err == nil {
		t.Error("Expected manual resolution without a payload to fail")
	}
	resolved, err = engine.ResolveConflict(c.ID, database.StrategyManual, "admin", map[string]interface{}{"qty": 6})
	if err != nil {
		t.Fatalf("manual resolution failed: %v", err)
	}
	if resolved.ResolvedBy != "admin" {
		t.Errorf("Expected the resolver to be recorded, got %q", resolved.ResolvedBy)
	}

	// A second resolution attempt is rejected
	if _, err := engine.ResolveConflict(c.ID, database.StrategyHubWins, "admin", nil); err == nil {
		t.Error("Expected resolving an already resolved conflict to fail")
	}

	if _, err := engine.ResolveConflict(newConflict().ID, "coin_flip", "admin", nil); err == nil {
		t.Error("Expected an unknown strategy to fail")
	}
}

func TestStatusReflectsPendingWork(t *testing.T) {
	engine, db := setupEngine(t)

	clean, err := engine.Status("node-a")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !clean.IsSynced {
		t.Errorf("Expected a fresh node to be synced: %+v", clean)
	}

	seedVector(t, db, "node-a", "inventory.item", 8)
	err = db.Sync.PutVersionVector(nil, &database.VersionVector{
		NodeID:            "node-a",
		ModelName:         "inventory.item",
		Version:           8,
		LastSyncedVersion: 5,
		PendingChanges:    2,
	})
	if err != nil {
		t.Fatalf("Failed to seed vector: %v", err)
	}

	dirty, err := engine.Status("node-a")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if dirty.IsSynced {
		t.Error("Expected a lagging node to be unsynced")
	}
	// 2 pending changes plus the 8-5 version gap
	if dirty.PendingPush != 5 {
		t.Errorf("Expected 5 pending pushes, got %d", dirty.PendingPush)
	}
}
