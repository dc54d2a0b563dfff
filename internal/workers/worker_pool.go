package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/unibos-labs/unibos-node/internal/utils"
)

// WorkerPool runs background tasks (connect attempts, offline-queue
// dispatch) on a bounded set of goroutines
type WorkerPool struct {
	ctx        context.Context
	cancel     context.CancelFunc
	numWorkers int
	workerChan chan func()
	wg         sync.WaitGroup
	logger     *utils.LogsManager
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(ctx context.Context, numWorkers int, logger *utils.LogsManager) *WorkerPool {
	poolCtx, cancel := context.WithCancel(ctx)

	if numWorkers < 1 {
		numWorkers = 1
	}

	return &WorkerPool{
		ctx:        poolCtx,
		cancel:     cancel,
		numWorkers: numWorkers,
		workerChan: make(chan func(), numWorkers),
		logger:     logger,
	}
}

// Start launches all workers in the pool
func (wp *WorkerPool) Start() {
	wp.logger.Info(fmt.Sprintf("Starting worker pool with %d workers", wp.numWorkers), "workers")

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)

		go func(id int) {
			defer wp.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					wp.logger.Error(fmt.Sprintf("Worker %d panic recovered: %v", id, r), "workers")
				}
			}()

			for {
				select {
				case task := <-wp.workerChan:
					task()

				case <-wp.ctx.Done():
					wp.logger.Debug(fmt.Sprintf("Worker %d stopping (context done)", id), "workers")
					return
				}
			}
		}(i)
	}
}

// Submit hands a task to the pool. Blocks when all workers are busy and the
// buffer is full; fails once the pool is shutting down.
func (wp *WorkerPool) Submit(task func()) error {
	select {
	case wp.workerChan <- task:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Stop gracefully stops the worker pool
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
	close(wp.workerChan)
	wp.logger.Info("Worker pool stopped", "workers")
}

// GetActiveWorkers returns the number of workers in the pool
func (wp *WorkerPool) GetActiveWorkers() int {
	return wp.numWorkers
}
