package infer

// CompletionFn delivers the batch-level status for one onBatch
// invocation. It must be called exactly once, after every payload has
// terminal status set. A non-nil error means the batch failed
// structurally: every payload without an explicit success is to be
// treated as failed.
type CompletionFn func(err error)

// InitFn is invoked once per runner before the first batch.
type InitFn func(runnerIdx int) error

// BatchFn is invoked by the scheduler when a batch is ready for the
// runner. Each runner is permanently and exclusively bound to one
// execution context; the scheduler never invokes the same runner
// concurrently.
type BatchFn func(runnerIdx int, payloads []*Payload, done CompletionFn)

// ShapeFn lets the scheduler query the batch-relevant shape of an
// input, for models with shape-dependent batching.
type ShapeFn func(runnerIdx int, input *Input, payload *Payload) ([]int64, error)

// Scheduler is the external collaborator that decides which requests
// form a batch and when. The backend registers one runner per execution
// context with it at load time.
type Scheduler interface {
	CreateRunners(count int, init InitFn, batch BatchFn, shape ShapeFn) error
}
