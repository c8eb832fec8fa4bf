package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/kunal/gpu-batch-engine/pkg/infer"
)

// pendingPayload wraps a payload waiting for a runner, with the channel
// its batch-level result is delivered on.
type pendingPayload struct {
	payload   *infer.Payload
	priority  int
	seq       uint64
	enqueueAt time.Time
	done      chan error
	index     int // used by heap
}

// PriorityQueue orders pending payloads by priority, FIFO within the
// same priority. Dequeueing is batch-size aware: it pops payloads until
// the next one would push the running total past the cap.
type PriorityQueue struct {
	mu      sync.Mutex
	items   []*pendingPayload
	seq     uint64
	pending int64 // sum of queued request batch sizes
}

func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{
		items: make([]*pendingPayload, 0, 64),
	}
	heap.Init(pq)
	return pq
}

// Enqueue adds a pending payload (thread-safe).
func (pq *PriorityQueue) Enqueue(pp *pendingPayload) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.seq++
	pp.seq = pq.seq
	pq.pending += pp.payload.Request.BatchSize
	heap.Push(pq, pp)
}

// DequeueBatch removes the highest-priority payloads whose batch sizes
// fit within maxTotal (thread-safe). The first payload is always taken
// so an oversized single request is not stuck; maxTotal <= 0 means the
// model takes one request per invocation.
func (pq *PriorityQueue) DequeueBatch(maxTotal int64) []*pendingPayload {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.items) == 0 {
		return nil
	}

	var result []*pendingPayload
	var total int64
	for len(pq.items) > 0 {
		next := pq.items[0]
		bs := next.payload.Request.BatchSize
		if len(result) > 0 && (maxTotal <= 0 || total+bs > maxTotal) {
			break
		}
		result = append(result, heap.Pop(pq).(*pendingPayload))
		total += bs
		pq.pending -= bs
		if maxTotal <= 0 {
			break
		}
	}
	return result
}

// Depth returns the number of queued payloads (thread-safe).
func (pq *PriorityQueue) Depth() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.items)
}

// PendingBatchSize returns the sum of queued batch sizes (thread-safe).
func (pq *PriorityQueue) PendingBatchSize() int64 {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.pending
}

// --- heap.Interface implementation (not thread-safe, use Enqueue/DequeueBatch) ---

func (pq *PriorityQueue) Len() int { return len(pq.items) }

func (pq *PriorityQueue) Less(i, j int) bool {
	// Higher priority number = dequeued first
	if pq.items[i].priority != pq.items[j].priority {
		return pq.items[i].priority > pq.items[j].priority
	}
	// Same priority: earlier arrival first (FIFO)
	return pq.items[i].seq < pq.items[j].seq
}

func (pq *PriorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	item := x.(*pendingPayload)
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	pq.items = old[:n-1]
	return item
}
