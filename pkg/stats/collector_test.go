package stats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-batch-engine/pkg/infer"
	"github.com/kunal/gpu-batch-engine/pkg/status"
)

func terminalPayload(batchSize int64, failed bool, inBytes, outBytes int64) *infer.Payload {
	p := infer.NewPayload(&infer.Request{BatchSize: batchSize}, nil)
	p.Stats.InputBytes = inBytes
	p.Stats.OutputBytes = outBytes
	if failed {
		p.Status = status.New(status.MalformedInput, "bad content")
	}
	p.Complete()
	return p
}

func TestCollectorRecordRun(t *testing.T) {
	c := NewCollector("worker-1")

	// Two runs on one context, one run on another.
	c.RecordRun("addsub_0_0_cpu", []*infer.Payload{
		terminalPayload(2, false, 16, 16),
		terminalPayload(1, true, 8, 0),
	}, nil)
	c.RecordRun("addsub_0_0_cpu", []*infer.Payload{
		terminalPayload(3, false, 24, 24),
	}, nil)
	c.RecordRun("addsub_0_1_cpu", []*infer.Payload{
		terminalPayload(1, false, 8, 8),
	}, nil)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "addsub_0_0_cpu", snap[0].Name)
	require.Equal(t, "addsub_0_1_cpu", snap[1].Name)

	cs := snap[0]
	require.Equal(t, uint64(2), cs.BatchRuns)
	require.Equal(t, uint64(2), cs.SuccessCount)
	require.Equal(t, uint64(1), cs.FailedCount)
	require.Equal(t, uint64(48), cs.InputBytes)
	require.Equal(t, uint64(40), cs.OutputBytes)
	// Both runs summed to a total batch size of 3.
	require.Equal(t, uint64(2), cs.PerBatchSize[3])
	require.Equal(t, uint64(1), snap[1].PerBatchSize[1])
}

func TestCollectorPhaseDurations(t *testing.T) {
	c := NewCollector("worker-1")

	p := infer.NewPayload(&infer.Request{BatchSize: 1}, nil)
	p.Stats.Capture(infer.TimestampBatchStart)
	p.Stats.Capture(infer.TimestampComputeInputEnd)
	p.Stats.Capture(infer.TimestampComputeOutputStart)
	p.Stats.Capture(infer.TimestampBatchEnd)
	p.Complete()

	c.RecordRun("ctx", []*infer.Payload{p}, nil)

	cs := c.Snapshot()[0]
	total := cs.ComputeInputNs + cs.ComputeRunNs + cs.ComputeOutputNs
	want := uint64(p.Stats.Timestamp(infer.TimestampBatchEnd).
		Sub(p.Stats.Timestamp(infer.TimestampBatchStart)).Nanoseconds())
	require.Equal(t, want, total)
}

func TestCollectorSkipsMissingTimestamps(t *testing.T) {
	c := NewCollector("worker-1")

	// A batch that failed before the compute phases only carries the
	// start and end marks; no phase duration may be invented.
	p := infer.NewPayload(&infer.Request{BatchSize: 1}, nil)
	p.Stats.Capture(infer.TimestampBatchStart)
	p.Stats.Capture(infer.TimestampBatchEnd)
	p.Status = status.New(status.CapacityViolation, "over capacity")
	p.Complete()

	c.RecordRun("ctx", []*infer.Payload{p}, p.Status)

	cs := c.Snapshot()[0]
	require.Equal(t, uint64(1), cs.FailedCount)
	require.Zero(t, cs.ComputeInputNs)
	require.Zero(t, cs.ComputeRunNs)
	require.Zero(t, cs.ComputeOutputNs)
}

func TestCollectorSnapshotIsCopy(t *testing.T) {
	c := NewCollector("worker-1")
	c.RecordRun("ctx", []*infer.Payload{terminalPayload(1, false, 0, 0)}, nil)

	snap := c.Snapshot()
	snap[0].PerBatchSize[99] = 7

	require.Zero(t, c.Snapshot()[0].PerBatchSize[99])
}
