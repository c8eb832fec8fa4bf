package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-batch-engine/pkg/infer"
)

func pending(priority int, batchSize int64) *pendingPayload {
	return &pendingPayload{
		payload:  infer.NewPayload(&infer.Request{BatchSize: batchSize}, nil),
		priority: priority,
		done:     make(chan error, 1),
	}
}

func TestPriorityQueueOrdering(t *testing.T) {
	pq := NewPriorityQueue()

	low := pending(1, 1)
	highA := pending(5, 1)
	highB := pending(5, 1)
	mid := pending(3, 1)
	for _, pp := range []*pendingPayload{low, highA, highB, mid} {
		pq.Enqueue(pp)
	}
	require.Equal(t, 4, pq.Depth())

	batch := pq.DequeueBatch(16)
	require.Len(t, batch, 4)
	// Highest priority first, FIFO within the same priority.
	require.Same(t, highA, batch[0])
	require.Same(t, highB, batch[1])
	require.Same(t, mid, batch[2])
	require.Same(t, low, batch[3])
	require.Equal(t, 0, pq.Depth())
}

func TestPriorityQueueBatchSizeCap(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Enqueue(pending(0, 4))
	pq.Enqueue(pending(0, 3))
	pq.Enqueue(pending(0, 2))
	require.Equal(t, int64(9), pq.PendingBatchSize())

	// 4+3 fits in 8, the trailing 2 does not.
	batch := pq.DequeueBatch(8)
	require.Len(t, batch, 2)
	require.Equal(t, int64(2), pq.PendingBatchSize())

	batch = pq.DequeueBatch(8)
	require.Len(t, batch, 1)
	require.Equal(t, int64(0), pq.PendingBatchSize())
	require.Nil(t, pq.DequeueBatch(8))
}

func TestPriorityQueueOversizedFirstPayload(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Enqueue(pending(0, 10))
	pq.Enqueue(pending(0, 1))

	// The head is always taken even when it alone exceeds the cap, so an
	// oversized request reaches the context and fails there instead of
	// starving the queue.
	batch := pq.DequeueBatch(8)
	require.Len(t, batch, 1)
	require.Equal(t, int64(10), batch[0].payload.Request.BatchSize)
}

func TestPriorityQueueNoBatchingPopsOne(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Enqueue(pending(0, 1))
	pq.Enqueue(pending(0, 1))

	require.Len(t, pq.DequeueBatch(0), 1)
	require.Len(t, pq.DequeueBatch(0), 1)
	require.Nil(t, pq.DequeueBatch(0))
}
