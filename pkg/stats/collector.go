// Package stats aggregates execution statistics outside the core: the
// backend reports one record per batch run, the collector folds it into
// per-context counters and duration sums, and the HTTP side exposes the
// result as Prometheus text and websocket pushes for the dashboard.
package stats

import (
	"sort"
	"sync"

	"github.com/kunal/gpu-batch-engine/pkg/infer"
)

// ContextStats is the aggregate for one execution context. Durations
// are cumulative nanoseconds split at the timestamps the runner
// captures: input aggregation, native run, output de-aggregation.
type ContextStats struct {
	Name string `json:"name"`

	SuccessCount uint64 `json:"success_count"`
	FailedCount  uint64 `json:"failed_count"`
	BatchRuns    uint64 `json:"batch_runs"`

	InputBytes  uint64 `json:"input_bytes"`
	OutputBytes uint64 `json:"output_bytes"`

	ComputeInputNs  uint64 `json:"compute_input_ns"`
	ComputeRunNs    uint64 `json:"compute_run_ns"`
	ComputeOutputNs uint64 `json:"compute_output_ns"`

	// Runs per total batch size, for batching-effectiveness analysis.
	PerBatchSize map[int64]uint64 `json:"per_batch_size"`
}

// Collector implements the backend's stats sink.
type Collector struct {
	workerID string

	mu       sync.RWMutex
	contexts map[string]*ContextStats
}

func NewCollector(workerID string) *Collector {
	return &Collector{
		workerID: workerID,
		contexts: make(map[string]*ContextStats),
	}
}

// RecordRun folds one completed batch run into the aggregate for its
// context. Called by the batch runner after every payload is terminal.
func (c *Collector) RecordRun(contextName string, payloads []*infer.Payload, runErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.contexts[contextName]
	if !ok {
		cs = &ContextStats{Name: contextName, PerBatchSize: make(map[int64]uint64)}
		c.contexts[contextName] = cs
	}
	cs.BatchRuns++

	var totalBatchSize int64
	for _, p := range payloads {
		totalBatchSize += p.Request.BatchSize
		if p.State() == infer.Succeeded {
			cs.SuccessCount++
		} else {
			cs.FailedCount++
		}
		cs.InputBytes += uint64(p.Stats.InputBytes)
		cs.OutputBytes += uint64(p.Stats.OutputBytes)
	}
	cs.PerBatchSize[totalBatchSize]++

	// The phase timestamps are batch-level; every payload carries the
	// same ones, so read them off the first.
	if len(payloads) > 0 {
		s := payloads[0].Stats
		start := s.Timestamp(infer.TimestampBatchStart)
		inEnd := s.Timestamp(infer.TimestampComputeInputEnd)
		outStart := s.Timestamp(infer.TimestampComputeOutputStart)
		end := s.Timestamp(infer.TimestampBatchEnd)

		if !start.IsZero() && !inEnd.IsZero() {
			cs.ComputeInputNs += uint64(inEnd.Sub(start).Nanoseconds())
		}
		if !inEnd.IsZero() && !outStart.IsZero() {
			cs.ComputeRunNs += uint64(outStart.Sub(inEnd).Nanoseconds())
		}
		if !outStart.IsZero() && !end.IsZero() {
			cs.ComputeOutputNs += uint64(end.Sub(outStart).Nanoseconds())
		}
	}
}

// Snapshot returns a deep copy of the per-context aggregates, sorted by
// context name.
func (c *Collector) Snapshot() []ContextStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ContextStats, 0, len(c.contexts))
	for _, cs := range c.contexts {
		cp := *cs
		cp.PerBatchSize = make(map[int64]uint64, len(cs.PerBatchSize))
		for k, v := range cs.PerBatchSize {
			cp.PerBatchSize[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
