package runtime

import (
	"fmt"

	"github.com/kunal/gpu-batch-engine/pkg/memory"
)

// Tensor is a runtime-owned tensor. Fixed-size types store their
// elements contiguously in Buf; string tensors store one byte slice per
// element in Strs.
type Tensor struct {
	Name  string
	DType DataType
	Shape []int64

	Buf  *memory.Buffer
	Strs [][]byte
}

// New creates a tensor sized for shape in the given memory space.
// String tensors get an element table instead of a byte buffer.
func New(name string, dtype DataType, shape []int64, space memory.Space, dev int64) (*Tensor, error) {
	cnt := int64(1)
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf(
				"failed to create tensor '%s': shape %v has unresolved dimension", name, shape)
		}
		cnt *= d
	}

	t := &Tensor{
		Name:  name,
		DType: dtype,
		Shape: append([]int64(nil), shape...),
	}
	if dtype == TypeString {
		t.Strs = make([][]byte, cnt)
	} else {
		if dtype.ByteSize() == 0 {
			return nil, fmt.Errorf("failed to create tensor '%s': unsupported datatype %s", name, dtype)
		}
		t.Buf = memory.Alloc(cnt*dtype.ByteSize(), space, dev)
	}
	return t, nil
}

// ElementCount returns the product of the tensor's dimensions.
func (t *Tensor) ElementCount() int64 {
	cnt := int64(1)
	for _, d := range t.Shape {
		cnt *= d
	}
	return cnt
}

// ByteSize returns the size of the element storage. For string tensors
// it is the sum of element lengths.
func (t *Tensor) ByteSize() int64 {
	if t.DType == TypeString {
		var n int64
		for _, s := range t.Strs {
			n += int64(len(s))
		}
		return n
	}
	if t.Buf == nil {
		return 0
	}
	return int64(len(t.Buf.Data))
}

// SetString assigns a string element. A nil value is an empty string.
func (t *Tensor) SetString(idx int64, val []byte) error {
	if idx < 0 || idx >= int64(len(t.Strs)) {
		return fmt.Errorf("string element index %d out of range for tensor '%s' (%d elements)",
			idx, t.Name, len(t.Strs))
	}
	t.Strs[idx] = val
	return nil
}

// StringAt returns a string element.
func (t *Tensor) StringAt(idx int64) []byte {
	return t.Strs[idx]
}
