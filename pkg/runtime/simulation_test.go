package runtime

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-batch-engine/pkg/memory"
)

func addSubSchema(dtype DataType) ([]TensorInfo, []TensorInfo) {
	inputs := []TensorInfo{
		{Name: "INPUT0", DType: dtype, Dims: []int64{-1, 4}},
		{Name: "INPUT1", DType: dtype, Dims: []int64{-1, 4}},
	}
	outputs := []TensorInfo{
		{Name: "OUTPUT0", DType: dtype, Dims: []int64{-1, 4}},
		{Name: "OUTPUT1", DType: dtype, Dims: []int64{-1, 4}},
	}
	return inputs, outputs
}

func int32Tensor(t *testing.T, name string, vals []int32) *Tensor {
	t.Helper()
	tensor, err := New(name, TypeInt32, []int64{int64(len(vals)) / 4, 4}, memory.CPU, 0)
	require.NoError(t, err)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(tensor.Buf.Data[i*4:], uint32(v))
	}
	return tensor
}

func int32Vals(t *testing.T, tensor *Tensor) []int32 {
	t.Helper()
	vals := make([]int32, len(tensor.Buf.Data)/4)
	for i := range vals {
		vals[i] = int32(binary.LittleEndian.Uint32(tensor.Buf.Data[i*4:]))
	}
	return vals
}

func TestAddSubModelInt32(t *testing.T) {
	inputs, outputs := addSubSchema(TypeInt32)
	m := NewAddSubModel(inputs, outputs, 0)

	in0 := int32Tensor(t, "INPUT0", []int32{10, 20, 30, 40})
	in1 := int32Tensor(t, "INPUT1", []int32{1, 2, 3, 4})

	outs, err := m.Run([]*Tensor{in0, in1}, []string{"OUTPUT0", "OUTPUT1"})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	require.Equal(t, []int32{11, 22, 33, 44}, int32Vals(t, outs[0]))
	require.Equal(t, []int32{9, 18, 27, 36}, int32Vals(t, outs[1]))
}

func TestAddSubModelString(t *testing.T) {
	inputs, outputs := addSubSchema(TypeString)
	m := NewAddSubModel(inputs, outputs, 0)

	in0, err := New("INPUT0", TypeString, []int64{1, 4}, memory.CPU, 0)
	require.NoError(t, err)
	in1, err := New("INPUT1", TypeString, []int64{1, 4}, memory.CPU, 0)
	require.NoError(t, err)
	for i, v := range []string{"10", "20", "30", "40"} {
		in0.SetString(int64(i), []byte(v))
		in1.SetString(int64(i), []byte("5"))
	}

	outs, err := m.Run([]*Tensor{in0, in1}, []string{"OUTPUT1", "OUTPUT0"})
	require.NoError(t, err)
	require.Equal(t, "5", string(outs[0].StringAt(0)))
	require.Equal(t, "15", string(outs[1].StringAt(0)))
	require.Equal(t, "45", string(outs[1].StringAt(3)))
}

func TestAddSubModelEmptyStringIsZero(t *testing.T) {
	inputs, outputs := addSubSchema(TypeString)
	m := NewAddSubModel(inputs, outputs, 0)

	in0, err := New("INPUT0", TypeString, []int64{1, 4}, memory.CPU, 0)
	require.NoError(t, err)
	in1, err := New("INPUT1", TypeString, []int64{1, 4}, memory.CPU, 0)
	require.NoError(t, err)
	in0.SetString(0, []byte("7"))

	outs, err := m.Run([]*Tensor{in0, in1}, []string{"OUTPUT0"})
	require.NoError(t, err)
	require.Equal(t, "7", string(outs[0].StringAt(0)))
	require.Equal(t, "0", string(outs[0].StringAt(1)))
}

func TestSimulationLoad(t *testing.T) {
	dir := t.TempDir()
	artifact := `{
		"inputs": [
			{"name": "INPUT0", "data_type": "TYPE_INT32", "dims": [-1, 4]},
			{"name": "INPUT1", "data_type": "TYPE_INT32", "dims": [-1, 4]}
		],
		"outputs": [
			{"name": "OUTPUT0", "data_type": "TYPE_INT32", "dims": [-1, 4]}
		]
	}`
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, []byte(artifact), 0o644))

	rt, err := Get("simulation")
	require.NoError(t, err)

	m, err := rt.Load(path, SessionOptions{Device: -1})
	require.NoError(t, err)
	defer m.Close()

	require.Contains(t, m.Inputs(), "INPUT0")
	require.Contains(t, m.Outputs(), "OUTPUT0")
	require.NotContains(t, m.Outputs(), "OUTPUT1")
}

func TestSimulationLoadRejectsUnknownAccelerator(t *testing.T) {
	rt, err := Get("simulation")
	require.NoError(t, err)

	_, err = rt.Load("does-not-matter", SessionOptions{
		GPUAccelerators: []Accelerator{{Name: "does_not_exist"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown Execution Accelerator")

	_, err = rt.Load("does-not-matter", SessionOptions{
		GPUAccelerators: []Accelerator{{
			Name:       "tensorrt",
			Parameters: map[string]string{"precision_mode": "INT4"},
		}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported precision mode")
}

func TestSimulationLockRequirement(t *testing.T) {
	sim := &Simulation{}
	require.False(t, sim.LoadRequiresLock(SessionOptions{}))
	require.True(t, sim.LoadRequiresLock(SessionOptions{
		CPUAccelerators: []Accelerator{{Name: "openvino"}},
	}))
}
