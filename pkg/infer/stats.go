package infer

import "time"

// TimestampKind names the points the batch runner captures during one
// Run. The external status aggregator consumes them; the core never
// reports metrics itself.
type TimestampKind int

const (
	TimestampBatchStart TimestampKind = iota
	TimestampComputeInputEnd
	TimestampComputeOutputStart
	TimestampBatchEnd

	timestampCount
)

// Stats is the per-payload stats handle. A nil *Stats is valid and
// records nothing.
type Stats struct {
	ts [timestampCount]time.Time

	// Byte counts of the payload's share of the batch, filled by the
	// marshaling layer.
	InputBytes  int64
	OutputBytes int64
}

// Capture records the current time for one timestamp kind.
func (s *Stats) Capture(kind TimestampKind) {
	if s == nil {
		return
	}
	s.ts[kind] = time.Now()
}

// Timestamp returns a captured timestamp; zero if never captured.
func (s *Stats) Timestamp(kind TimestampKind) time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.ts[kind]
}
