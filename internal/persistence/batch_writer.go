// Package persistence journals completed orders and closed trades to sqlite off the
// trading path.
package persistence

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// WriteOp is one buffered statement.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter queues statements and commits them from its own goroutine, one
// transaction per batch. Callers never wait on the database: a full queue only
// wakes the commit loop.
type BatchWriter struct {
	db       *sql.DB
	logger   zerolog.Logger
	maxSize  int
	interval time.Duration

	mu    sync.Mutex
	queue []WriteOp

	commitMu sync.Mutex
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	writes    atomic.Uint64
	batches   atomic.Uint64
	errors    atomic.Uint64
	lastBatch atomic.Int64
}

// BatchWriterMetrics is a snapshot of the writer's counters.
type BatchWriterMetrics struct {
	TotalWrites   uint64 `json:"total_writes"`
	TotalBatches  uint64 `json:"total_batches"`
	TotalErrors   uint64 `json:"total_errors"`
	LastBatchSize int    `json:"last_batch_size"`
}

// NewBatchWriter starts a writer that commits every interval, or sooner once
// maxSize statements are queued.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, logger zerolog.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:       db,
		logger:   logger.With().Str("component", "batch_writer").Logger(),
		maxSize:  maxSize,
		interval: interval,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go bw.loop()
	return bw
}

// Write queues op. It never touches the database.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.queue = append(bw.queue, op)
	full := len(bw.queue) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		select {
		case bw.wake <- struct{}{}:
		default: // a wake-up is already pending
		}
	}
}

func (bw *BatchWriter) WriteQuery(query string, args ...any) {
	bw.Write(WriteOp{Query: query, Args: args})
}

// Flush commits everything queued so far on the caller's goroutine.
func (bw *BatchWriter) Flush() error {
	bw.commitMu.Lock()
	defer bw.commitMu.Unlock()

	bw.mu.Lock()
	ops := bw.queue
	bw.queue = nil
	bw.mu.Unlock()
	if len(ops) == 0 {
		return nil
	}
	return bw.commit(ops)
}

// commit runs ops in one transaction. A failed batch is dropped: the journal is a
// record, the state file is the source of truth.
func (bw *BatchWriter) commit(ops []WriteOp) (err error) {
	bw.writes.Add(uint64(len(ops)))
	bw.batches.Add(1)
	defer func() {
		if err != nil {
			bw.errors.Add(1)
			bw.logger.Error().Err(err).Int("ops", len(ops)).Msg("journal batch dropped")
		}
	}()

	tx, err := bw.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for i, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	bw.lastBatch.Store(int64(len(ops)))
	bw.logger.Debug().Int("ops", len(ops)).Msg("journal batch committed")
	return nil
}

func (bw *BatchWriter) loop() {
	defer close(bw.loopDone)
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-bw.stop:
			bw.Flush() // errors are counted and logged by commit
			return
		case <-ticker.C:
		case <-bw.wake:
		}
		bw.Flush()
	}
}

// Pending returns the number of queued statements.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.queue)
}

func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		TotalWrites:   bw.writes.Load(),
		TotalBatches:  bw.batches.Load(),
		TotalErrors:   bw.errors.Load(),
		LastBatchSize: int(bw.lastBatch.Load()),
	}
}

// Close commits what is queued and stops the loop. It is safe to call twice.
func (bw *BatchWriter) Close() error {
	bw.stopOnce.Do(func() { close(bw.stop) })
	<-bw.loopDone
	return nil
}
