package infer

// State is the lifecycle position of a payload within a batch.
type State int

const (
	Pending State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Payload is one request's execution unit within a batch. The upstream
// scheduler creates one per request per batch; the batch runner mutates
// only Status, and the payload is dead once the completion callback has
// fired.
//
// Status nil means OK. A payload-local failure (malformed content,
// undeliverable output) sets Status without aborting the batch; the
// payload is then excluded from every later result-bearing step.
type Payload struct {
	Request  *Request
	Response ResponseSink
	Stats    *Stats

	Status    error
	completed bool
}

// NewPayload builds a pending payload for one request.
func NewPayload(req *Request, sink ResponseSink) *Payload {
	return &Payload{Request: req, Response: sink, Stats: &Stats{}}
}

// OK reports whether the payload has not failed.
func (p *Payload) OK() bool {
	return p.Status == nil
}

// Complete marks the payload terminal. Called exactly once by the batch
// runner before the completion callback fires.
func (p *Payload) Complete() {
	p.completed = true
}

// State derives the lifecycle state from completion and status.
func (p *Payload) State() State {
	switch {
	case !p.completed:
		return Pending
	case p.Status == nil:
		return Succeeded
	default:
		return Failed
	}
}
