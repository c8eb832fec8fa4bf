// Package infer defines the contracts between the upstream scheduler,
// the requests it batches, and the execution core that runs them.
package infer

import (
	"github.com/kunal/gpu-batch-engine/pkg/memory"
	"github.com/kunal/gpu-batch-engine/pkg/runtime"
)

// Input is one named input of a request. Content is the raw payload:
// for fixed-size datatypes it holds batchSize * batch1 bytes; for
// string tensors it holds the length-prefixed wire encoding. The
// content may live in any memory space.
type Input struct {
	Name    string
	DType   runtime.DataType
	Dims    []int64 // per-request dims, without the batch dimension
	Content *memory.Buffer
}

// Request is the part of an inference request the execution core
// consumes: its batch size, ordered inputs, and requested outputs.
// Parsing and validation of sizes happen upstream.
type Request struct {
	ID        string
	BatchSize int64
	Inputs    []*Input
	Outputs   []string
}

// Input looks up a request input by name.
func (r *Request) Input(name string) (*Input, bool) {
	for _, in := range r.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return nil, false
}

// ResponseSink receives the outputs decoded for one request.
type ResponseSink interface {
	// RequiresOutput reports whether the request asked for the named
	// output.
	RequiresOutput(name string) bool

	// AllocateOutputBuffer allocates the response buffer for one
	// output. The sink may place the buffer somewhere other than the
	// preferred space; the returned buffer's Space is authoritative.
	AllocateOutputBuffer(name string, byteSize int64, shape []int64, preferred memory.Space, preferredDevice int64) (*memory.Buffer, error)
}
