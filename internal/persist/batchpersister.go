// Package persist implements BatchPersister: durable, high-throughput
// writes of HistoryRecord over P hash-sharded bounded queues, each
// drained by a dedicated worker that bulk-inserts via the repository's
// pgx.Batch path and falls back to per-record insert on bulk failure.
package persist

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleettrack/ingestion-core/internal/config"
	"github.com/fleettrack/ingestion-core/internal/models"
)

// HistoryWriter is the persistence dependency BatchPersister drives;
// satisfied by *repository.Repository.
type HistoryWriter interface {
	BatchSaveHistory(ctx context.Context, records []*models.HistoryRecord) (saved, failed int, err error)
}

type timedRecord struct {
	rec      *models.HistoryRecord
	queuedAt time.Time
}

// BatchPersister owns P parallel hash-sharded queues plus one overflow
// queue, each drained by a dedicated worker goroutine on a
// size-or-age flush trigger.
type BatchPersister struct {
	cfg    config.BatchConfig
	writer HistoryWriter
	logger *zap.Logger

	queues   []chan timedRecord
	overflow chan timedRecord

	rejected uint64
	mu       sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a BatchPersister and starts its P+1 worker goroutines.
func New(cfg config.BatchConfig, writer HistoryWriter, logger *zap.Logger) *BatchPersister {
	if cfg.ParallelWorkers <= 0 {
		cfg.ParallelWorkers = 4
	}
	capacity := cfg.WorkerBatchSize * 2
	if capacity <= 0 {
		capacity = 200
	}
	overflowCap := cfg.OverflowCapacity
	if overflowCap <= 0 {
		overflowCap = 10000
	}

	p := &BatchPersister{
		cfg:      cfg,
		writer:   writer,
		logger:   logger,
		overflow: make(chan timedRecord, overflowCap),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < cfg.ParallelWorkers; i++ {
		p.queues = append(p.queues, make(chan timedRecord, capacity))
	}

	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(i, p.queues[i])
	}
	p.wg.Add(1)
	go p.worker(-1, p.overflow)

	return p
}

func shardFor(deviceID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32()) % shards
}

// Enqueue offers rec to its shard queue, falling back to the overflow
// queue, and finally counting a rejection if both are full within the
// 10ms offer timeout.
func (p *BatchPersister) Enqueue(rec *models.HistoryRecord) bool {
	tr := timedRecord{rec: rec, queuedAt: time.Now()}
	shard := p.queues[shardFor(rec.DeviceID, len(p.queues))]

	timer := time.NewTimer(10 * time.Millisecond)
	defer timer.Stop()
	select {
	case shard <- tr:
		return true
	case <-timer.C:
	}

	select {
	case p.overflow <- tr:
		return true
	default:
		p.mu.Lock()
		p.rejected++
		p.mu.Unlock()
		return false
	}
}

// RejectedCount reports how many records have been dropped due to
// sustained back-pressure.
func (p *BatchPersister) RejectedCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejected
}

// QueueDepth sums the currently buffered record count across every
// shard queue and the overflow queue, used by HealthMonitor's
// batch-queue-size warning check.
func (p *BatchPersister) QueueDepth() int {
	depth := len(p.overflow)
	for _, q := range p.queues {
		depth += len(q)
	}
	return depth
}

func (p *BatchPersister) worker(idx int, queue chan timedRecord) {
	defer p.wg.Done()

	flushInterval := p.cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	maxWait := p.cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	batchSize := p.cfg.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var pending []timedRecord
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		p.flushBatch(pending)
		pending = nil
	}

	for {
		select {
		case <-p.stopCh:
			p.drain(queue, &pending)
			flush()
			return
		case tr, ok := <-queue:
			if !ok {
				flush()
				return
			}
			pending = append(pending, tr)
			if len(pending) >= batchSize {
				flush()
			}
		case <-ticker.C:
			if len(pending) > 0 && time.Since(pending[0].queuedAt) > maxWait {
				flush()
			}
		}
	}
}

// drain pulls any remaining buffered records off queue without blocking,
// used during shutdown.
func (p *BatchPersister) drain(queue chan timedRecord, pending *[]timedRecord) {
	for {
		select {
		case tr, ok := <-queue:
			if !ok {
				return
			}
			*pending = append(*pending, tr)
		default:
			return
		}
	}
}

func (p *BatchPersister) flushBatch(batch []timedRecord) {
	records := make([]*models.HistoryRecord, len(batch))
	for i, tr := range batch {
		records[i] = tr.rec
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	saved, failed, err := p.writer.BatchSaveHistory(ctx, records)
	if err != nil {
		p.logger.Error("batch persist failed", zap.Int("count", len(records)), zap.Error(err))
		return
	}
	if failed > 0 {
		p.logger.Warn("batch persist partial failure", zap.Int("saved", saved), zap.Int("failed", failed))
	}
}

// Close stops accepting new work implicitly (callers must stop calling
// Enqueue themselves) and drains every queue with a bounded wait before
// force-flushing whatever remains.
func (p *BatchPersister) Close() {
	close(p.stopCh)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		p.logger.Warn("batch persister shutdown drain timed out")
	}
}
