package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-batch-engine/pkg/infer"
)

// batchRecorder captures every batch a runner executes.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]*infer.Payload
	err     error
}

func (r *batchRecorder) run(idx int, payloads []*infer.Payload, done infer.CompletionFn) {
	r.mu.Lock()
	r.batches = append(r.batches, payloads)
	r.mu.Unlock()
	done(r.err)
}

func (r *batchRecorder) totals() (batches int, payloads int, maxTotal int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		batches++
		var total int64
		for _, p := range b {
			payloads++
			total += p.Request.BatchSize
		}
		if total > maxTotal {
			maxTotal = total
		}
	}
	return
}

func noInit(int) error { return nil }

func TestDynamicBatcherAggregates(t *testing.T) {
	rec := &batchRecorder{}
	d := NewDynamicBatcher(Config{MaxBatchSize: 8, MaxWaitTime: 5 * time.Millisecond})
	require.NoError(t, d.CreateRunners(1, noInit, rec.run, nil))
	defer d.Stop()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := infer.NewPayload(&infer.Request{BatchSize: 1}, nil)
			errs[i] = d.Enqueue(context.Background(), p, 0)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "payload %d", i)
	}
	batches, payloads, maxTotal := rec.totals()
	require.Equal(t, n, payloads)
	require.LessOrEqual(t, maxTotal, int64(8))
	require.GreaterOrEqual(t, batches, (n+7)/8)
	require.Equal(t, int64(n), d.TotalPayloads.Load())
	require.Equal(t, 0, d.QueueDepth())
}

func TestDynamicBatcherDeliversBatchError(t *testing.T) {
	rec := &batchRecorder{err: errors.New("engine down")}
	d := NewDynamicBatcher(Config{MaxBatchSize: 4, MaxWaitTime: 5 * time.Millisecond})
	require.NoError(t, d.CreateRunners(1, noInit, rec.run, nil))
	defer d.Stop()

	p := infer.NewPayload(&infer.Request{BatchSize: 1}, nil)
	err := d.Enqueue(context.Background(), p, 0)
	require.EqualError(t, err, "engine down")
}

func TestDynamicBatcherEnqueueHonorsContext(t *testing.T) {
	// No runners created: the payload can never complete, so Enqueue
	// must return on context cancellation.
	d := NewDynamicBatcher(Config{MaxBatchSize: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	p := infer.NewPayload(&infer.Request{BatchSize: 1}, nil)
	err := d.Enqueue(ctx, p, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDynamicBatcherQueueBound(t *testing.T) {
	d := NewDynamicBatcher(Config{MaxBatchSize: 4, MaxQueueSize: 1})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		p := infer.NewPayload(&infer.Request{BatchSize: 1}, nil)
		d.Enqueue(ctx, p, 0)
	}()

	// The first payload holds the only admission slot, so a second
	// Enqueue blocks in Acquire until its context expires.
	time.Sleep(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	p := infer.NewPayload(&infer.Request{BatchSize: 1}, nil)
	err := d.Enqueue(ctx, p, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	wg.Wait()
}

func TestDynamicBatcherCreateRunnersValidation(t *testing.T) {
	d := NewDynamicBatcher(Config{MaxBatchSize: 4, MaxWaitTime: time.Millisecond})
	require.Error(t, d.CreateRunners(0, noInit, nil, nil))

	rec := &batchRecorder{}
	require.NoError(t, d.CreateRunners(1, noInit, rec.run, nil))
	require.Error(t, d.CreateRunners(1, noInit, rec.run, nil))
	d.Stop()
}

func TestDynamicBatcherInitFailure(t *testing.T) {
	d := NewDynamicBatcher(Config{MaxBatchSize: 4})
	boom := errors.New("no such context")
	err := d.CreateRunners(2, func(idx int) error {
		if idx == 1 {
			return boom
		}
		return nil
	}, (&batchRecorder{}).run, nil)
	require.ErrorIs(t, err, boom)
	d.Stop()
}
