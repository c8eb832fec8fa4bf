package runtime

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/kunal/gpu-batch-engine/pkg/memory"
)

// Simulation is the default engine: no accelerator required. A loaded
// simulation model computes the add/sub verification graph used by the
// conformance harness: first output = INPUT0 + INPUT1 element-wise,
// second output = INPUT0 - INPUT1. String tensors carry decimal
// integers and are computed the same way.
type Simulation struct{}

func init() {
	Register("simulation", &Simulation{})
}

func (s *Simulation) Name() string { return "simulation" }

// LoadRequiresLock reports true when an OpenVINO CPU accelerator is
// requested; its session creation is not reentrant.
func (s *Simulation) LoadRequiresLock(opts SessionOptions) bool {
	for _, acc := range opts.CPUAccelerators {
		if acc.Name == "openvino" {
			return true
		}
	}
	return false
}

// simArtifact is the on-disk model artifact: the native schema plus an
// optional simulated kernel latency.
type simArtifact struct {
	Inputs    []TensorInfo `json:"inputs"`
	Outputs   []TensorInfo `json:"outputs"`
	LatencyMs int          `json:"latency_ms,omitempty"`
}

// Load reads the artifact schema and validates the requested
// accelerators the way a real engine validates execution providers.
func (s *Simulation) Load(path string, opts SessionOptions) (Model, error) {
	for _, acc := range opts.GPUAccelerators {
		if acc.Name != "tensorrt" {
			return nil, fmt.Errorf("unknown Execution Accelerator '%s' is requested", acc.Name)
		}
		for name, val := range acc.Parameters {
			switch name {
			case "precision_mode":
				if val != "FP32" && val != "FP16" {
					return nil, fmt.Errorf("unsupported precision mode '%s' is requested", val)
				}
			case "minimum_segment_size", "max_workspace_size_bytes", "max_cached_engines":
				if _, err := strconv.ParseInt(val, 10, 64); err != nil {
					return nil, fmt.Errorf("invalid value '%s' for parameter '%s'", val, name)
				}
			default:
				return nil, fmt.Errorf("unknown parameter '%s' is provided for TensorRT Execution Accelerator", name)
			}
		}
	}
	for _, acc := range opts.CPUAccelerators {
		if acc.Name != "openvino" {
			return nil, fmt.Errorf("unknown Execution Accelerator '%s' is requested", acc.Name)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load model artifact: %w", err)
	}
	var art simArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact %s: %w", path, err)
	}
	if len(art.Inputs) != 2 || len(art.Outputs) == 0 || len(art.Outputs) > 2 {
		return nil, fmt.Errorf(
			"artifact %s: add/sub model requires 2 inputs and 1 or 2 outputs, got %d and %d",
			path, len(art.Inputs), len(art.Outputs))
	}
	return NewAddSubModel(art.Inputs, art.Outputs, time.Duration(art.LatencyMs)*time.Millisecond), nil
}

// addSubModel is a loaded simulation session.
type addSubModel struct {
	inputs  []TensorInfo
	outputs []TensorInfo
	latency time.Duration
}

// NewAddSubModel builds a simulation session directly from a schema.
// The first two schema inputs are the addends; the first schema output
// is the sum, the second (if present) the difference.
func NewAddSubModel(inputs, outputs []TensorInfo, latency time.Duration) Model {
	return &addSubModel{
		inputs:  append([]TensorInfo(nil), inputs...),
		outputs: append([]TensorInfo(nil), outputs...),
		latency: latency,
	}
}

func (m *addSubModel) Inputs() map[string]TensorInfo {
	infos := make(map[string]TensorInfo, len(m.inputs))
	for _, ti := range m.inputs {
		infos[ti.Name] = ti
	}
	return infos
}

func (m *addSubModel) Outputs() map[string]TensorInfo {
	infos := make(map[string]TensorInfo, len(m.outputs))
	for _, ti := range m.outputs {
		infos[ti.Name] = ti
	}
	return infos
}

func (m *addSubModel) CreateTensor(name string, dtype DataType, shape []int64, space memory.Space, device int64) (*Tensor, error) {
	return New(name, dtype, shape, space, device)
}

func (m *addSubModel) Close() error { return nil }

func (m *addSubModel) Run(inputs []*Tensor, outputNames []string) ([]*Tensor, error) {
	if m.latency > 0 {
		time.Sleep(m.latency)
	}

	var in0, in1 *Tensor
	for _, t := range inputs {
		switch t.Name {
		case m.inputs[0].Name:
			in0 = t
		case m.inputs[1].Name:
			in1 = t
		default:
			return nil, fmt.Errorf("unexpected input tensor '%s'", t.Name)
		}
	}
	if in0 == nil || in1 == nil {
		return nil, fmt.Errorf("add/sub model requires inputs '%s' and '%s'",
			m.inputs[0].Name, m.inputs[1].Name)
	}
	if in0.DType != in1.DType || in0.ElementCount() != in1.ElementCount() {
		return nil, fmt.Errorf("mismatched input tensors: %s[%d] vs %s[%d]",
			in0.DType, in0.ElementCount(), in1.DType, in1.ElementCount())
	}

	outs := make([]*Tensor, 0, len(outputNames))
	for _, name := range outputNames {
		sub := false
		switch name {
		case m.outputs[0].Name:
		default:
			if len(m.outputs) < 2 || name != m.outputs[1].Name {
				return nil, fmt.Errorf("unknown output tensor '%s'", name)
			}
			sub = true
		}

		out, err := New(name, in0.DType, in0.Shape, memory.CPU, 0)
		if err != nil {
			return nil, err
		}
		if err := addSub(in0, in1, out, sub); err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

// parseDecimal reads a decimal int32 element. Empty elements (the
// back-fill for excluded batch rows) count as zero.
func parseDecimal(s []byte) (int64, error) {
	if len(s) == 0 {
		return 0, nil
	}
	return strconv.ParseInt(string(s), 10, 32)
}

func addSub(in0, in1, out *Tensor, sub bool) error {
	if in0.DType == TypeString {
		for i := range in0.Strs {
			a, err := parseDecimal(in0.Strs[i])
			if err != nil {
				return fmt.Errorf("string element %d is not an integer: %w", i, err)
			}
			b, err := parseDecimal(in1.Strs[i])
			if err != nil {
				return fmt.Errorf("string element %d is not an integer: %w", i, err)
			}
			v := a + b
			if sub {
				v = a - b
			}
			out.Strs[i] = []byte(strconv.FormatInt(v, 10))
		}
		return nil
	}

	width := int(in0.DType.ByteSize())
	a := in0.Buf.Data
	b := in1.Buf.Data
	dst := out.Buf.Data
	for off := 0; off+width <= len(a); off += width {
		switch in0.DType {
		case TypeInt8, TypeUint8:
			v := int64(int8(a[off])) + int64(int8(b[off]))
			if sub {
				v = int64(int8(a[off])) - int64(int8(b[off]))
			}
			dst[off] = byte(v)
		case TypeInt16, TypeUint16:
			x := int64(int16(binary.LittleEndian.Uint16(a[off:])))
			y := int64(int16(binary.LittleEndian.Uint16(b[off:])))
			v := x + y
			if sub {
				v = x - y
			}
			binary.LittleEndian.PutUint16(dst[off:], uint16(v))
		case TypeInt32, TypeUint32:
			x := int64(int32(binary.LittleEndian.Uint32(a[off:])))
			y := int64(int32(binary.LittleEndian.Uint32(b[off:])))
			v := x + y
			if sub {
				v = x - y
			}
			binary.LittleEndian.PutUint32(dst[off:], uint32(v))
		case TypeInt64, TypeUint64:
			x := int64(binary.LittleEndian.Uint64(a[off:]))
			y := int64(binary.LittleEndian.Uint64(b[off:]))
			v := x + y
			if sub {
				v = x - y
			}
			binary.LittleEndian.PutUint64(dst[off:], uint64(v))
		case TypeFP32:
			x := math.Float32frombits(binary.LittleEndian.Uint32(a[off:]))
			y := math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
			v := x + y
			if sub {
				v = x - y
			}
			binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(v))
		case TypeFP64:
			x := math.Float64frombits(binary.LittleEndian.Uint64(a[off:]))
			y := math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
			v := x + y
			if sub {
				v = x - y
			}
			binary.LittleEndian.PutUint64(dst[off:], math.Float64bits(v))
		default:
			return fmt.Errorf("unsupported datatype %s for add/sub model", in0.DType)
		}
	}
	return nil
}
