// Package memory models the heterogeneous memory placement of tensor
// buffers: plain host memory, pinned host memory, and device memory,
// plus the device stream that orders asynchronous transfers between
// them.
package memory

import "fmt"

// Space identifies where a buffer physically lives.
type Space int

const (
	CPU Space = iota
	CPUPinned
	GPU
)

func (s Space) String() string {
	switch s {
	case CPU:
		return "cpu"
	case CPUPinned:
		return "cpu-pinned"
	case GPU:
		return "gpu"
	}
	return "unknown"
}

// HostResident reports whether the space can be read and written
// directly without going through a device stream.
func (s Space) HostResident() bool {
	return s != GPU
}

// Buffer is an allocation tagged with its memory space and device.
// Device is meaningful only for GPU and pinned allocations.
type Buffer struct {
	Data   []byte
	Space  Space
	Device int64
}

// Alloc allocates a zeroed buffer in the requested space. Pinned
// allocation never fails here; callers that prefer pinned memory get
// it unconditionally.
func Alloc(byteSize int64, space Space, device int64) *Buffer {
	return &Buffer{
		Data:   make([]byte, byteSize),
		Space:  space,
		Device: device,
	}
}

// IndirectBuffer is a deferred copy descriptor: a gathered source
// buffer, the byte offset of its slot in the final destination, and
// the indices of the payloads whose content it carries. Collected
// during marshaling, drained in a second bulk pass once the
// destination buffer is resolved.
type IndirectBuffer struct {
	Src       *Buffer
	DstOffset int64
	Payloads  []int
}

// Copy transfers len(src) bytes from src into dst, which must be at
// least as large. Copies with either side in device memory are issued
// asynchronously on stream and the caller must Synchronize before
// reading the destination; host-to-host copies complete immediately.
// The returned bool reports whether the stream was used.
func Copy(name string, srcSpace Space, src []byte, dstSpace Space, dst []byte, stream *Stream) (bool, error) {
	if len(dst) < len(src) {
		return false, fmt.Errorf(
			"failed to copy %s: destination byte size %d less than source %d",
			name, len(dst), len(src))
	}

	if srcSpace.HostResident() && dstSpace.HostResident() {
		copy(dst, src)
		return false, nil
	}

	if stream == nil {
		return false, fmt.Errorf("failed to copy %s: no stream for %s to %s transfer",
			name, srcSpace, dstSpace)
	}
	stream.enqueue(func() { copy(dst, src) })
	return true, nil
}
