package backend

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-batch-engine/pkg/config"
	"github.com/kunal/gpu-batch-engine/pkg/device"
	"github.com/kunal/gpu-batch-engine/pkg/infer"
	"github.com/kunal/gpu-batch-engine/pkg/memory"
	"github.com/kunal/gpu-batch-engine/pkg/runtime"
)

// fakeModel lets tests inject faults at the engine boundary.
type fakeModel struct {
	inputs  map[string]runtime.TensorInfo
	outputs map[string]runtime.TensorInfo

	createTensor func(name string, dtype runtime.DataType, shape []int64, space memory.Space, device int64) (*runtime.Tensor, error)
	run          func(inputs []*runtime.Tensor, outputNames []string) ([]*runtime.Tensor, error)
	runCalls     int
}

func (m *fakeModel) Inputs() map[string]runtime.TensorInfo  { return m.inputs }
func (m *fakeModel) Outputs() map[string]runtime.TensorInfo { return m.outputs }

func (m *fakeModel) CreateTensor(name string, dtype runtime.DataType, shape []int64, space memory.Space, device int64) (*runtime.Tensor, error) {
	if m.createTensor != nil {
		return m.createTensor(name, dtype, shape, space, device)
	}
	return runtime.New(name, dtype, shape, space, device)
}

func (m *fakeModel) Run(inputs []*runtime.Tensor, outputNames []string) ([]*runtime.Tensor, error) {
	m.runCalls++
	return m.run(inputs, outputNames)
}

func (m *fakeModel) Close() error { return nil }

// testSink collects outputs in host memory.
type testSink struct {
	requested map[string]bool
	allocErr  error

	outputs map[string]*memory.Buffer
	shapes  map[string][]int64
}

func newTestSink(names ...string) *testSink {
	requested := make(map[string]bool, len(names))
	for _, n := range names {
		requested[n] = true
	}
	return &testSink{
		requested: requested,
		outputs:   make(map[string]*memory.Buffer),
		shapes:    make(map[string][]int64),
	}
}

func (s *testSink) RequiresOutput(name string) bool { return s.requested[name] }

func (s *testSink) AllocateOutputBuffer(name string, byteSize int64, shape []int64, preferred memory.Space, preferredDevice int64) (*memory.Buffer, error) {
	if s.allocErr != nil {
		return nil, s.allocErr
	}
	buf := memory.Alloc(byteSize, memory.CPU, 0)
	s.outputs[name] = buf
	s.shapes[name] = append([]int64(nil), shape...)
	return buf, nil
}

// addSubConfig declares the two-input add/sub schema with the given
// element dtype and per-request dims.
func addSubConfig(t *testing.T, mbs int, dtype runtime.DataType, dims []int64) *config.ModelConfig {
	t.Helper()
	cfg := &config.ModelConfig{
		Name:         "addsub",
		Runtime:      "simulation",
		MaxBatchSize: mbs,
		Inputs: []config.ModelInput{
			{Name: "INPUT0", DataType: dtype, Dims: dims},
			{Name: "INPUT1", DataType: dtype, Dims: dims},
		},
		Outputs: []config.ModelOutput{
			{Name: "OUTPUT0", DataType: dtype, Dims: dims},
			{Name: "OUTPUT1", DataType: dtype, Dims: dims},
		},
	}
	require.NoError(t, cfg.Normalize())
	return cfg
}

// nativeDims is the engine-side shape: a variable batch dimension in
// front when batching is enabled.
func nativeDims(mbs int, dims []int64) []int64 {
	if mbs == NoBatching {
		return dims
	}
	return append([]int64{-1}, dims...)
}

func addSubTensorInfos(dtype runtime.DataType, dims []int64) ([]runtime.TensorInfo, []runtime.TensorInfo) {
	inputs := []runtime.TensorInfo{
		{Name: "INPUT0", DType: dtype, Dims: dims},
		{Name: "INPUT1", DType: dtype, Dims: dims},
	}
	outputs := []runtime.TensorInfo{
		{Name: "OUTPUT0", DType: dtype, Dims: dims},
		{Name: "OUTPUT1", DType: dtype, Dims: dims},
	}
	return inputs, outputs
}

// newTestContext wires a context around the given model the way
// createExecutionContext does, minus artifact loading.
func newTestContext(cfg *config.ModelConfig, model runtime.Model) *Context {
	return &Context{
		name:          cfg.Name + "_0_cpu",
		modelName:     cfg.Name,
		device:        device.NoGPU,
		maxBatchSize:  int64(cfg.MaxBatchSize),
		inputDeviceID: device.ModelDevice,
		cfg:           cfg,
		model:         model,
		stream:        memory.NewStream(0),
	}
}

// addSubContext builds a context over the real simulation model.
func addSubContext(t *testing.T, mbs int, dtype runtime.DataType, dims []int64) *Context {
	t.Helper()
	cfg := addSubConfig(t, mbs, dtype, dims)
	ins, outs := addSubTensorInfos(dtype, nativeDims(mbs, dims))
	return newTestContext(cfg, runtime.NewAddSubModel(ins, outs, 0))
}

func int32Bytes(vals ...int32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

func int32sOf(data []byte) []int32 {
	out := make([]int32, len(data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// int32Payload builds one payload with batch size len(in0)/elemsPerRow.
func int32Payload(batchSize int64, in0, in1 []int32, outputs ...string) (*infer.Payload, *testSink) {
	req := &infer.Request{
		BatchSize: batchSize,
		Inputs: []*infer.Input{
			{Name: "INPUT0", DType: runtime.TypeInt32, Dims: []int64{int64(len(in0)) / batchSize},
				Content: &memory.Buffer{Data: int32Bytes(in0...), Space: memory.CPU}},
			{Name: "INPUT1", DType: runtime.TypeInt32, Dims: []int64{int64(len(in1)) / batchSize},
				Content: &memory.Buffer{Data: int32Bytes(in1...), Space: memory.CPU}},
		},
		Outputs: outputs,
	}
	sink := newTestSink(outputs...)
	return infer.NewPayload(req, sink), sink
}

// stringPayload builds one payload whose inputs are already in the
// length-prefixed wire encoding.
func stringPayload(batchSize int64, dims []int64, in0, in1 []byte, outputs ...string) (*infer.Payload, *testSink) {
	req := &infer.Request{
		BatchSize: batchSize,
		Inputs: []*infer.Input{
			{Name: "INPUT0", DType: runtime.TypeString, Dims: dims,
				Content: &memory.Buffer{Data: in0, Space: memory.CPU}},
			{Name: "INPUT1", DType: runtime.TypeString, Dims: dims,
				Content: &memory.Buffer{Data: in1, Space: memory.CPU}},
		},
		Outputs: outputs,
	}
	sink := newTestSink(outputs...)
	return infer.NewPayload(req, sink), sink
}

func serialize(elems ...string) []byte {
	raw := make([][]byte, len(elems))
	for i, e := range elems {
		raw[i] = []byte(e)
	}
	return runtime.SerializeStrings(raw)
}
