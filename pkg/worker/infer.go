package worker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/kunal/gpu-batch-engine/pkg/infer"
	"github.com/kunal/gpu-batch-engine/pkg/memory"
	"github.com/kunal/gpu-batch-engine/pkg/runtime"
)

// inferTensor is one tensor on the JSON wire. Fixed-size content rides
// in Data (base64 on the wire); string tensors use Strings.
type inferTensor struct {
	Name     string   `json:"name"`
	DataType string   `json:"data_type,omitempty"`
	Dims     []int64  `json:"dims,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	Strings  []string `json:"strings,omitempty"`
}

type inferRequest struct {
	ID        string        `json:"id,omitempty"`
	BatchSize int64         `json:"batch_size,omitempty"`
	Priority  int           `json:"priority,omitempty"`
	Inputs    []inferTensor `json:"inputs"`
	Outputs   []string      `json:"outputs"`
}

type inferResponse struct {
	ID        string        `json:"id,omitempty"`
	WorkerID  string        `json:"worker_id"`
	Outputs   []inferTensor `json:"outputs"`
	LatencyNs int64         `json:"latency_ns"`
}

// handleInfer enqueues one request and blocks until its batch has run.
func (w *Worker) handleInfer(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var jreq inferRequest
	if err := json.NewDecoder(r.Body).Decode(&jreq); err != nil {
		http.Error(rw, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if jreq.BatchSize <= 0 {
		jreq.BatchSize = 1
	}

	req, err := w.buildRequest(&jreq)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	sink := newBufferSink(jreq.Outputs)
	payload := infer.NewPayload(req, sink)

	if err := w.batcher.Enqueue(r.Context(), payload, jreq.Priority); err != nil {
		http.Error(rw, err.Error(), httpCode(err))
		return
	}
	if payload.Status != nil {
		http.Error(rw, payload.Status.Error(), httpCode(payload.Status))
		return
	}

	resp := inferResponse{
		ID:       jreq.ID,
		WorkerID: w.cfg.WorkerID,
		LatencyNs: payload.Stats.Timestamp(infer.TimestampBatchEnd).
			Sub(payload.Stats.Timestamp(infer.TimestampBatchStart)).Nanoseconds(),
	}
	for _, name := range jreq.Outputs {
		out, ok := sink.output(name)
		if !ok {
			continue
		}
		jt := inferTensor{Name: name, Dims: out.shape}
		if cfgOut, ok := w.modelCfg.Output(name); ok {
			jt.DataType = cfgOut.DataType.String()
			if cfgOut.DataType == runtime.TypeString {
				elems, err := runtime.DeserializeStrings(out.buf.Data)
				if err == nil {
					for _, e := range elems {
						jt.Strings = append(jt.Strings, string(e))
					}
				}
			} else {
				jt.Data = out.buf.Data
			}
		} else {
			jt.Data = out.buf.Data
		}
		resp.Outputs = append(resp.Outputs, jt)
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(&resp)
}

// buildRequest translates the JSON form into the execution request.
func (w *Worker) buildRequest(jreq *inferRequest) (*infer.Request, error) {
	req := &infer.Request{
		ID:        jreq.ID,
		BatchSize: jreq.BatchSize,
		Outputs:   jreq.Outputs,
	}
	for i := range jreq.Inputs {
		jt := &jreq.Inputs[i]
		in := &infer.Input{Name: jt.Name, Dims: jt.Dims}

		if cfgIn, ok := w.modelCfg.Input(jt.Name); ok {
			in.DType = cfgIn.DataType
			if len(in.Dims) == 0 {
				in.Dims = cfgIn.Dims
			}
		} else if jt.DataType != "" {
			dt := runtime.ParseDataType(jt.DataType)
			if dt == runtime.TypeInvalid {
				return nil, fmt.Errorf("unknown datatype %q for input '%s'", jt.DataType, jt.Name)
			}
			in.DType = dt
		}

		content := jt.Data
		if in.DType == runtime.TypeString && len(jt.Strings) > 0 {
			elems := make([][]byte, len(jt.Strings))
			for j, s := range jt.Strings {
				elems[j] = []byte(s)
			}
			content = runtime.SerializeStrings(elems)
		}
		in.Content = &memory.Buffer{Data: content, Space: memory.CPU}
		req.Inputs = append(req.Inputs, in)
	}
	return req, nil
}

// httpCode maps a classified execution error onto an HTTP status
// through its gRPC code, the same mapping a gRPC serving surface would
// report. Unclassified errors come back as codes.Unknown.
func httpCode(err error) int {
	switch grpcstatus.Code(err) {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// bufferSink collects a request's outputs in host memory.
type bufferSink struct {
	requested map[string]bool

	mu      sync.Mutex
	outputs map[string]*sinkOutput
}

type sinkOutput struct {
	buf   *memory.Buffer
	shape []int64
}

func newBufferSink(outputs []string) *bufferSink {
	requested := make(map[string]bool, len(outputs))
	for _, name := range outputs {
		requested[name] = true
	}
	return &bufferSink{
		requested: requested,
		outputs:   make(map[string]*sinkOutput),
	}
}

func (s *bufferSink) RequiresOutput(name string) bool {
	return s.requested[name]
}

// AllocateOutputBuffer always places results in plain host memory; the
// ingress reads them back as JSON regardless of the preferred space.
func (s *bufferSink) AllocateOutputBuffer(name string, byteSize int64, shape []int64, preferred memory.Space, preferredDevice int64) (*memory.Buffer, error) {
	buf := memory.Alloc(byteSize, memory.CPU, 0)
	s.mu.Lock()
	s.outputs[name] = &sinkOutput{buf: buf, shape: append([]int64(nil), shape...)}
	s.mu.Unlock()
	return buf, nil
}

func (s *bufferSink) output(name string) (*sinkOutput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[name]
	return out, ok
}
