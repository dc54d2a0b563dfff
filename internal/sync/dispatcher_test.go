package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/unibos-labs/unibos-node/internal/database"
	"github.com/unibos-labs/unibos-node/internal/utils"
	"github.com/unibos-labs/unibos-node/internal/workers"
)

func setupDispatcher(t *testing.T) (*Dispatcher, *database.OfflineQueueDB) {
	t.Helper()

	cm := utils.NewConfigManager("")
	cm.SetConfig("database_file", ":memory:")
	cm.SetConfig("offline_retry_base", "1s")
	logger := utils.NewLogsManager(cm)

	db, err := database.NewSQLiteManager(cm, logger)
	if err != nil {
		t.Fatalf("Failed to create database manager: %v", err)
	}

	pool := workers.NewWorkerPool(context.Background(), 2, logger)
	pool.Start()

	dispatcher := NewDispatcher(context.Background(), cm, logger, db.Offline, pool)

	t.Cleanup(func() {
		dispatcher.Stop()
		pool.Stop()
		db.Close()
		logger.Close()
	})

	return dispatcher, db.Offline
}

func enqueueTestOp(t *testing.T, queue *database.OfflineQueueDB, opType string, maxRetries int) *database.OfflineOperation {
	t.Helper()
	op := &database.OfflineOperation{
		ID:            uuid.New().String(),
		OperationType: opType,
		TargetNode:    "node-b",
		Payload:       `{"x":1}`,
		Priority:      5,
		MaxRetries:    maxRetries,
	}
	if _, err := queue.Enqueue(op); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	return op
}

func waitForStatus(t *testing.T, queue *database.OfflineQueueDB, id, status string) *database.OfflineOperation {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		op, err := queue.Get(id)
		if err != nil {
			t.Fatalf("Failed to load operation: %v", err)
		}
		if op != nil && op.Status == status {
			return op
		}
		time.Sleep(20 * time.Millisecond)
	}
	op, _ := queue.Get(id)
	t.Fatalf("Operation never reached status %q, currently %+v", status, op)
	return nil
}

func TestDispatcherCompletesSuccessfulOperation(t *testing.T) {
	dispatcher, queue := setupDispatcher(t)

	executed := make(chan string, 1)
	dispatcher.RegisterHandler("relay_message", func(ctx context.Context, op *database.OfflineOperation) error {
		executed <- op.ID
		return nil
	})

	op := enqueueTestOp(t, queue, "relay_message", 5)
	dispatcher.DispatchOnce()

	select {
	case id := <-executed:
		if id != op.ID {
			t.Errorf("Handler saw operation %s, expected %s", id, op.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Handler was never invoked")
	}

	waitForStatus(t, queue, op.ID, database.OfflineCompleted)
}

func TestDispatcherReschedulesFailedOperation(t *testing.T) {
	dispatcher, queue := setupDispatcher(t)

	dispatcher.RegisterHandler("relay_message", func(ctx context.Context, op *database.OfflineOperation) error {
		return fmt.Errorf("peer unreachable")
	})

	op := enqueueTestOp(t, queue, "relay_message", 5)
	dispatcher.DispatchOnce()

	rescheduled := waitForStatus(t, queue, op.ID, database.OfflinePending)
	if rescheduled.RetryCount != 1 {
		t.Errorf("Expected retry_count 1, got %d", rescheduled.RetryCount)
	}
	if rescheduled.LastError != "peer unreachable" {
		t.Errorf("Expected the handler error to be recorded, got %q", rescheduled.LastError)
	}
	if !rescheduled.NextAttemptAt.After(time.Now().Add(-time.Second)) {
		t.Errorf("Expected a backoff delay, next attempt at %v", rescheduled.NextAttemptAt)
	}
}

func TestDispatcherFailsAfterMaxRetries(t *testing.T) {
	dispatcher, queue := setupDispatcher(t)

	dispatcher.RegisterHandler("relay_message", func(ctx context.Context, op *database.OfflineOperation) error {
		return fmt.Errorf("peer unreachable")
	})

	op := enqueueTestOp(t, queue, "relay_message", 1)
	dispatcher.DispatchOnce()

	failed := waitForStatus(t, queue, op.ID, database.OfflineFailed)
	if failed.LastError != "peer unreachable" {
		t.Errorf("Expected the final error to be recorded, got %q", failed.LastError)
	}
}

func TestDispatcherFailsOperationWithoutHandler(t *testing.T) {
	dispatcher, queue := setupDispatcher(t)

	op := enqueueTestOp(t, queue, "unknown_type", 5)
	dispatcher.DispatchOnce()

	waitForStatus(t, queue, op.ID, database.OfflineFailed)
}

func TestBackoffDelayDoubles(t *testing.T) {
	dispatcher, _ := setupDispatcher(t)

	if d := dispatcher.backoffDelay(1); d != time.Second {
		t.Errorf("Expected 1s for the first retry, got %s", d)
	}
	if d := dispatcher.backoffDelay(3); d != 4*time.Second {
		t.Errorf("Expected 4s for the third retry, got %s", d)
	}
	if d := dispatcher.backoffDelay(30); d != time.Hour {
		t.Errorf("Expected the one hour cap, got %s", d)
	}
}
