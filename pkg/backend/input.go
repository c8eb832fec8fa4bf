package backend

import (
	"encoding/binary"

	"github.com/kunal/gpu-batch-engine/pkg/infer"
	"github.com/kunal/gpu-batch-engine/pkg/memory"
	"github.com/kunal/gpu-batch-engine/pkg/runtime"
	"github.com/kunal/gpu-batch-engine/pkg/status"
)

// inputInfo tracks the destination of one aggregated input tensor: the
// raw byte window of the tensor plus the deferred copies still owed
// into it.
type inputInfo struct {
	buffer   []byte
	space    memory.Space
	device   int64
	indirect []memory.IndirectBuffer
}

// setInputTensor builds the aggregated native tensor for one input and
// issues the per-payload scatter copies into it. The returned bool
// reports whether any copy went through the stream.
func (c *Context) setInputTensor(in *infer.Input, totalBatchSize int64, payloads []*infer.Payload) (*runtime.Tensor, *inputInfo, bool, error) {
	nativeName := c.nativeInputName(in.Name)

	// The batch dimension is prepended only for batching models.
	shape := make([]int64, 0, len(in.Dims)+1)
	if c.maxBatchSize != NoBatching {
		shape = append(shape, totalBatchSize)
	}
	batch1ElementCount := int64(1)
	for _, d := range in.Dims {
		shape = append(shape, d)
		batch1ElementCount *= d
	}

	if in.DType == runtime.TypeString {
		tensor, err := c.setStringInputTensor(nativeName, in.Name, shape, batch1ElementCount, payloads)
		return tensor, nil, false, err
	}

	batch1ByteSize := batch1ElementCount * in.DType.ByteSize()
	if batch1ByteSize <= 0 {
		return nil, nil, false, status.Newf(status.ConfigMismatch,
			"unsupported datatype %s for inference input '%s'", in.DType, in.Name)
	}

	space, dev := c.inputPlacement()
	tensor, err := c.model.CreateTensor(nativeName, in.DType, shape, space, dev)
	if err != nil {
		return nil, nil, false, status.Newf(status.Internal,
			"failed to create input tensor '%s': %v", nativeName, err)
	}
	if got := tensor.ByteSize(); got != totalBatchSize*batch1ByteSize {
		return nil, nil, false, status.Newf(status.Internal,
			"unexpected size %d for inference input '%s', expecting %d",
			got, in.Name, totalBatchSize*batch1ByteSize)
	}

	info := &inputInfo{
		buffer: tensor.Buf.Data,
		space:  tensor.Buf.Space,
		device: tensor.Buf.Device,
	}
	cudaCopy := c.setInputBuffer(in.Name, batch1ByteSize, payloads, info)
	return tensor, info, cudaCopy, nil
}

// inputPlacement decides where aggregated input tensors live: device
// memory when gpu_io is in effect, pinned host when staging is enabled,
// plain host otherwise.
func (c *Context) inputPlacement() (memory.Space, int64) {
	if c.inputDeviceID >= 0 {
		return memory.GPU, int64(c.inputDeviceID)
	}
	if c.enablePinnedInput {
		return memory.CPUPinned, 0
	}
	return memory.CPU, 0
}

// setInputBuffer copies each payload's content into its row range of
// the aggregated buffer, in payload order. Device-resident content is
// recorded as an indirect buffer and drained after the first stream
// barrier. A payload whose content is missing or mis-sized fails alone;
// its row range stays zeroed and the offset still advances so the rows
// of the payloads behind it keep their position.
func (c *Context) setInputBuffer(name string, batch1ByteSize int64, payloads []*infer.Payload, info *inputInfo) bool {
	cudaCopy := false
	var offset int64
	for i, p := range payloads {
		expectedByteSize := p.Request.BatchSize * batch1ByteSize
		if p.OK() {
			in, ok := p.Request.Input(name)
			switch {
			case !ok:
				p.Status = status.Newf(status.MalformedInput,
					"input '%s' is not provided", name)
			case int64(len(in.Content.Data)) != expectedByteSize:
				p.Status = status.Newf(status.MalformedInput,
					"unexpected size %d for inference input '%s', expecting %d",
					len(in.Content.Data), name, expectedByteSize)
			case !in.Content.Space.HostResident():
				info.indirect = append(info.indirect, memory.IndirectBuffer{
					Src:       in.Content,
					DstOffset: offset,
					Payloads:  []int{i},
				})
				p.Stats.InputBytes += expectedByteSize
			default:
				dst := info.buffer[offset : offset+expectedByteSize]
				used, err := memory.Copy(name, in.Content.Space, in.Content.Data, info.space, dst, c.stream)
				if err != nil {
					p.Status = status.Newf(status.Internal,
						"failed to copy input '%s': %v", name, err)
				} else {
					cudaCopy = cudaCopy || used
					p.Stats.InputBytes += expectedByteSize
				}
			}
		}
		offset += expectedByteSize
	}
	return cudaCopy
}

// setStringInputTensor builds a string input tensor and parses each
// payload's length-prefixed content into its element range. String
// tensors always live on the host.
func (c *Context) setStringInputTensor(nativeName, name string, shape []int64, batch1ElementCount int64, payloads []*infer.Payload) (*runtime.Tensor, error) {
	tensor, err := c.model.CreateTensor(nativeName, runtime.TypeString, shape, memory.CPU, 0)
	if err != nil {
		return nil, status.Newf(status.Internal,
			"failed to create input tensor '%s': %v", nativeName, err)
	}

	var base int64
	for _, p := range payloads {
		expected := p.Request.BatchSize * batch1ElementCount
		if p.OK() {
			if err := c.fillStringInput(tensor, base, expected, name, p); err != nil {
				// Elements past the failure stay empty; the payload is
				// out of the batch but its element range keeps its
				// place.
				p.Status = err
			}
		}
		base += expected
	}
	return tensor, nil
}

// fillStringInput parses one payload's content into its element range:
// each element is a 4-byte little-endian length followed by that many
// raw bytes, with no separator and no terminator.
func (c *Context) fillStringInput(tensor *runtime.Tensor, base, expected int64, name string, p *infer.Payload) error {
	in, ok := p.Request.Input(name)
	if !ok {
		return status.Newf(status.MalformedInput, "input '%s' is not provided", name)
	}

	content := in.Content.Data
	if !in.Content.Space.HostResident() {
		// Device-resident string content must reach the host before it
		// can be parsed.
		staging := make([]byte, len(content))
		used, err := memory.Copy(name, in.Content.Space, content, memory.CPU, staging, c.stream)
		if err != nil {
			return status.Newf(status.Internal, "failed to copy input '%s': %v", name, err)
		}
		if used {
			c.stream.Synchronize()
		}
		content = staging
	}
	p.Stats.InputBytes += int64(len(content))

	var elemIdx int64
	for int64(len(content)) >= stringLenSize {
		if elemIdx >= expected {
			return status.Newf(status.MalformedInput,
				"unexpected number of string elements %d for inference input '%s', expecting %d",
				elemIdx+1, name, expected)
		}
		l := int64(binary.LittleEndian.Uint32(content))
		content = content[stringLenSize:]
		if l > int64(len(content)) {
			return status.Newf(status.MalformedInput,
				"incomplete string data for inference input '%s', expecting string of length %d but only %d bytes available",
				name, l, len(content))
		}
		if err := tensor.SetString(base+elemIdx, content[:l:l]); err != nil {
			return status.Newf(status.Internal,
				"failed to set string element for inference input '%s': %v", name, err)
		}
		content = content[l:]
		elemIdx++
	}
	if elemIdx != expected {
		return status.Newf(status.MalformedInput,
			"expected %d string elements for inference input '%s', got %d",
			expected, name, elemIdx)
	}
	return nil
}

// stringLenSize is the width of the length prefix in the string tensor
// wire encoding.
const stringLenSize = 4
