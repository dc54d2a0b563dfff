package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/unibos-labs/unibos-node/internal/database"
	"github.com/unibos-labs/unibos-node/internal/utils"
	"github.com/unibos-labs/unibos-node/internal/workers"
)

// OperationHandler executes one queued operation type
type OperationHandler func(ctx context.Context, op *database.OfflineOperation) error

// Dispatcher drains the durable offline queue: due operations are claimed,
// executed on the worker pool, and rescheduled with exponential backoff
// (base * 2^(retry-1)) until max_retries or their absolute expiry.
type Dispatcher struct {
	config *utils.ConfigManager
	logger *utils.LogsManager
	queue  *database.OfflineQueueDB
	pool   *workers.WorkerPool

	handlers map[string]OperationHandler

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewDispatcher creates an offline queue dispatcher
func NewDispatcher(ctx context.Context, config *utils.ConfigManager, logger *utils.LogsManager, queue *database.OfflineQueueDB, pool *workers.WorkerPool) *Dispatcher {
	dispatchCtx, cancel := context.WithCancel(ctx)

	return &Dispatcher{
		config:   config,
		logger:   logger,
		queue:    queue,
		pool:     pool,
		handlers: make(map[string]OperationHandler),
		ctx:      dispatchCtx,
		cancel:   cancel,
	}
}

// RegisterHandler binds an operation type to its executor. Must be called
// before Start.
func (d *Dispatcher) RegisterHandler(operationType string, handler OperationHandler) {
	d.handlers[operationType] = handler
}

// Start launches the dispatch loop
func (d *Dispatcher) Start() {
	if d.running {
		return
	}
	d.running = true

	go d.dispatchLoop()
	d.logger.Info("Offline queue dispatcher started", "sync")
}

// Stop halts dispatching. In-flight operations finish on the worker pool.
func (d *Dispatcher) Stop() {
	if !d.running {
		return
	}
	d.running = false
	d.cancel()
}

func (d *Dispatcher) dispatchLoop() {
	interval := d.config.GetConfigDuration("offline_dispatch_interval", 15*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.dispatchDue()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) dispatchDue() {
	now := time.Now()

	if expired, err := d.queue.ExpireOverdue(now); err != nil {
		d.logger.Error(fmt.Sprintf("Failed to expire overdue operations: %v", err), "sync")
	} else if expired > 0 {
		d.logger.Info(fmt.Sprintf("Expired %d overdue offline operations", expired), "sync")
	}

	batch := d.config.GetConfigInt("offline_dispatch_batch", 20, 1, 500)
	ops, err := d.queue.DuePending(now, batch)
	if err != nil {
		d.logger.Error(fmt.Sprintf("Failed to load due operations: %v", err), "sync")
		return
	}

	for _, op := range ops {
		claimed, err := d.queue.Claim(op.ID)
		if err != nil {
			d.logger.Error(fmt.Sprintf("Failed to claim operation %s: %v", op.ID, err), "sync")
			continue
		}
		if !claimed {
			continue
		}

		operation := op
		if err := d.pool.Submit(func() {
			d.execute(operation)
		}); err != nil {
			// Pool is shutting down; put the operation back untouched
			d.queue.Reschedule(operation.ID, now, "dispatcher shutting down")
			return
		}
	}
}

// DispatchOnce runs a single synchronous dispatch cycle
func (d *Dispatcher) DispatchOnce() {
	d.dispatchDue()
}

func (d *Dispatcher) execute(op *database.OfflineOperation) {
	handler, ok := d.handlers[op.OperationType]
	if !ok {
		d.logger.Error(fmt.Sprintf("No handler for operation type %q, failing %s", op.OperationType, op.ID), "sync")
		d.queue.Fail(op.ID, fmt.Sprintf("no handler for type %q", op.OperationType))
		return
	}

	err := handler(d.ctx, op)
	if err == nil {
		if cerr := d.queue.Complete(op.ID); cerr != nil {
			d.logger.Error(fmt.Sprintf("Failed to mark operation %s completed: %v", op.ID, cerr), "sync")
		}
		return
	}

	nextRetry := op.RetryCount + 1
	if nextRetry >= op.MaxRetries {
		d.logger.Warn(fmt.Sprintf("Operation %s permanently failed after %d attempts: %v", op.ID, nextRetry, err), "sync")
		d.queue.Fail(op.ID, err.Error())
		return
	}

	delay := d.backoffDelay(nextRetry)
	nextAttempt := time.Now().Add(delay)
	if op.ExpiresAt != nil && nextAttempt.After(*op.ExpiresAt) {
		d.logger.Warn(fmt.Sprintf("Operation %s would retry past its expiry, failing: %v", op.ID, err), "sync")
		d.queue.Fail(op.ID, err.Error())
		return
	}

	d.logger.Debug(fmt.Sprintf("Operation %s failed (attempt %d/%d), retrying in %s: %v",
		op.ID, nextRetry, op.MaxRetries, delay, err), "sync")
	if rerr := d.queue.Reschedule(op.ID, nextAttempt, err.Error()); rerr != nil {
		d.logger.Error(fmt.Sprintf("Failed to reschedule operation %s: %v", op.ID, rerr), "sync")
	}
}

// backoffDelay computes base * 2^(retry-1), capped at one hour
func (d *Dispatcher) backoffDelay(retry int) time.Duration {
	base := d.config.GetConfigDuration("offline_retry_base", 2*time.Second)

	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= time.Hour {
			return time.Hour
		}
	}
	return delay
}
