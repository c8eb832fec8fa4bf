// Package scheduler implements the dynamic batcher: it queues incoming
// payloads by priority, aggregates them into batches bounded by the
// model's batching capacity, and feeds each batch to one of the runners
// registered by the backend. Batching policy lives entirely here; the
// execution core only sees the batches it is handed.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kunal/gpu-batch-engine/pkg/infer"
)

// Config holds tunable batching parameters.
type Config struct {
	// MaxBatchSize caps the summed batch size of one flush. Zero means
	// the model has no batch dimension and takes one request per run.
	MaxBatchSize int64

	// MaxWaitTime is how long a partial batch may wait for more
	// payloads before it is flushed anyway.
	MaxWaitTime time.Duration

	// MaxQueueSize bounds admitted-but-unfinished payloads; Enqueue
	// blocks once the bound is reached.
	MaxQueueSize int64
}

// DynamicBatcher is the adaptive micro-batching engine. It collects
// payloads from the priority queue and flushes them to a runner when
// the batch is full, the timeout fires, or pressure is detected.
type DynamicBatcher struct {
	cfg    Config
	queue  *PriorityQueue
	sem    *semaphore.Weighted
	notify chan struct{} // signals new payload arrival
	stopCh chan struct{}
	wg     sync.WaitGroup

	batch infer.BatchFn
	shape infer.ShapeFn

	// Adaptive state
	mu          sync.RWMutex
	currentWait time.Duration

	// Metrics (read by the status aggregator)
	TotalBatches  atomic.Int64
	TotalPayloads atomic.Int64
	LastBatchSize atomic.Int32
	AvgLatencyMs  atomic.Int64 // exponential moving average
}

func NewDynamicBatcher(cfg Config) *DynamicBatcher {
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = 50 * time.Millisecond
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1024
	}
	return &DynamicBatcher{
		cfg:         cfg,
		queue:       NewPriorityQueue(),
		sem:         semaphore.NewWeighted(cfg.MaxQueueSize),
		notify:      make(chan struct{}, 256),
		stopCh:      make(chan struct{}),
		currentWait: cfg.MaxWaitTime,
	}
}

// CreateRunners starts one batching loop per execution context. Each
// runner index is bound to exactly one loop goroutine, so the same
// runner is never invoked concurrently.
func (d *DynamicBatcher) CreateRunners(count int, init infer.InitFn, batch infer.BatchFn, shape infer.ShapeFn) error {
	if count <= 0 {
		return fmt.Errorf("runner count must be positive, got %d", count)
	}
	if d.batch != nil {
		return fmt.Errorf("runners already created")
	}
	d.batch = batch
	d.shape = shape

	for i := 0; i < count; i++ {
		if err := init(i); err != nil {
			return fmt.Errorf("failed to initialize runner %d: %w", i, err)
		}
		d.wg.Add(1)
		go d.loop(i)
	}
	log.Printf("🔄 Dynamic batcher started: runners=%d, max_batch=%d, max_wait=%v",
		count, d.cfg.MaxBatchSize, d.cfg.MaxWaitTime)
	return nil
}

// Enqueue admits one payload and blocks until its batch completes or
// ctx is canceled. The returned error is the batch-level error;
// payload-local failures are reported on the payload status instead.
// After a cancellation the payload may still execute, so its response
// sink must stay valid until the batcher is stopped.
func (d *DynamicBatcher) Enqueue(ctx context.Context, p *infer.Payload, priority int) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	pp := &pendingPayload{
		payload:   p,
		priority:  priority,
		enqueueAt: time.Now(),
		done:      make(chan error, 1),
	}
	d.queue.Enqueue(pp)
	d.signal()

	select {
	case err := <-pp.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports the number of payloads waiting for a runner.
func (d *DynamicBatcher) QueueDepth() int {
	return d.queue.Depth()
}

// Stop flushes the queue and waits for the runners to drain.
func (d *DynamicBatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *DynamicBatcher) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
		// Non-blocking — a runner will pick it up on its next iteration
	}
}

func (d *DynamicBatcher) loop(idx int) {
	defer d.wg.Done()

	for {
		// Wait for at least one payload
		select {
		case <-d.stopCh:
			d.drainRemaining(idx)
			return
		case <-d.notify:
		}

		batch := d.collectBatch()
		if len(batch) == 0 {
			continue
		}
		d.executeBatch(idx, batch)
	}
}

func (d *DynamicBatcher) collectBatch() []*pendingPayload {
	d.mu.RLock()
	wait := d.currentWait
	d.mu.RUnlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		// Flush immediately once a full batch is queued. Without a
		// batch dimension a single payload is already "full".
		if d.cfg.MaxBatchSize <= 0 {
			if d.queue.Depth() > 0 {
				return d.queue.DequeueBatch(0)
			}
		} else if d.queue.PendingBatchSize() >= d.cfg.MaxBatchSize {
			return d.queue.DequeueBatch(d.cfg.MaxBatchSize)
		}

		select {
		case <-d.stopCh:
			// Drain what we have on shutdown
			return d.queue.DequeueBatch(d.cfg.MaxBatchSize)

		case <-timer.C:
			// Timeout — flush whatever we have
			return d.queue.DequeueBatch(d.cfg.MaxBatchSize)

		case <-d.notify:
			// New payload arrived, re-check fullness
			continue
		}
	}
}

func (d *DynamicBatcher) executeBatch(idx int, batch []*pendingPayload) {
	start := time.Now()

	payloads := make([]*infer.Payload, len(batch))
	var total int64
	for i, pp := range batch {
		payloads[i] = pp.payload
		total += pp.payload.Request.BatchSize
	}

	done := make(chan error, 1)
	d.batch(idx, payloads, func(err error) { done <- err })
	err := <-done
	elapsed := time.Since(start)

	d.TotalBatches.Add(1)
	d.TotalPayloads.Add(int64(len(batch)))
	d.LastBatchSize.Store(int32(total))

	// Exponential moving average of latency
	latencyMs := elapsed.Milliseconds()
	oldAvg := d.AvgLatencyMs.Load()
	if oldAvg == 0 {
		d.AvgLatencyMs.Store(latencyMs)
	} else {
		// EMA with alpha=0.3
		newAvg := int64(float64(oldAvg)*0.7 + float64(latencyMs)*0.3)
		d.AvgLatencyMs.Store(newAvg)
	}

	log.Printf("📦 Batch executed: runner=%d, payloads=%d, total_batch=%d, latency=%v",
		idx, len(batch), total, elapsed)

	for _, pp := range batch {
		pp.done <- err
		d.sem.Release(1)
	}

	d.adaptWait()
}

func (d *DynamicBatcher) adaptWait() {
	depth := d.queue.Depth()
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case depth > 100:
		// High pressure — flush faster
		d.currentWait = 20 * time.Millisecond
	case depth < 10:
		// Low pressure — wait longer for bigger batches
		d.currentWait = 80 * time.Millisecond
	default:
		// Normal
		d.currentWait = d.cfg.MaxWaitTime
	}
}

func (d *DynamicBatcher) drainRemaining(idx int) {
	for {
		batch := d.queue.DequeueBatch(d.cfg.MaxBatchSize)
		if len(batch) == 0 {
			return
		}
		d.executeBatch(idx, batch)
	}
}
