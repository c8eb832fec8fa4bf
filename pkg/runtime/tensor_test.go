package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kunal/gpu-batch-engine/pkg/memory"
)

func TestTensorSetStringBounds(t *testing.T) {
	tensor, err := New("IN", TypeString, []int64{2}, memory.CPU, 0)
	require.NoError(t, err)

	require.NoError(t, tensor.SetString(0, []byte("a")))
	require.NoError(t, tensor.SetString(1, nil))
	require.Error(t, tensor.SetString(2, []byte("c")))
	require.Error(t, tensor.SetString(-1, []byte("d")))

	require.Equal(t, []byte("a"), tensor.StringAt(0))
	require.Nil(t, tensor.StringAt(1))
}

func TestTensorRejectsUnresolvedShape(t *testing.T) {
	_, err := New("IN", TypeInt32, []int64{-1, 4}, memory.CPU, 0)
	require.Error(t, err)
}

func TestTensorByteSize(t *testing.T) {
	fixed, err := New("IN", TypeInt32, []int64{2, 3}, memory.CPU, 0)
	require.NoError(t, err)
	require.Equal(t, int64(24), fixed.ByteSize())
	require.Equal(t, int64(6), fixed.ElementCount())

	str, err := New("IN", TypeString, []int64{2}, memory.CPU, 0)
	require.NoError(t, err)
	require.NoError(t, str.SetString(0, []byte("abc")))
	require.Equal(t, int64(3), str.ByteSize())
}
