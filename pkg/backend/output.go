package backend

import (
	"github.com/kunal/gpu-batch-engine/pkg/infer"
	"github.com/kunal/gpu-batch-engine/pkg/memory"
	"github.com/kunal/gpu-batch-engine/pkg/runtime"
	"github.com/kunal/gpu-batch-engine/pkg/status"
)

// outputInfo tracks the source of one native output tensor and the
// per-payload copies deferred until the drain pass.
type outputInfo struct {
	src      *memory.Buffer
	indirect []outputCopy
}

// outputCopy is one deferred payload-row copy out of a native output.
type outputCopy struct {
	srcOffset int64
	byteSize  int64
	payload   int
	dst       *memory.Buffer
}

// readOutputTensors validates each produced output against the model
// configuration and scatters its rows back to the payloads that asked
// for it. A validation failure aborts the batch; outputs already
// delivered to payload buffers before the failing one stand.
func (c *Context) readOutputTensors(totalBatchSize int64, names []string, tensors []*runtime.Tensor, payloads []*infer.Payload) error {
	cudaCopy := false
	var outputs []*outputInfo
	for idx, name := range names {
		if idx >= len(tensors) || tensors[idx] == nil {
			return status.Newf(status.Internal,
				"output tensor '%s' not found for model '%s'", name, c.modelName)
		}
		tensor := tensors[idx]
		cfgOut, ok := c.cfg.Output(name)
		if !ok {
			return status.Newf(status.Internal,
				"unexpected inference output '%s' for model '%s'", name, c.modelName)
		}

		if tensor.DType != cfgOut.DataType {
			return status.Newf(status.ConfigMismatch,
				"unexpected datatype %s for inference output '%s', expecting %s",
				tensor.DType, name, cfgOut.DataType)
		}
		if err := compareOutputDims(c.modelName, name, tensor.Shape, cfgOut.NonBatchDims(), c.maxBatchSize != NoBatching); err != nil {
			return err
		}

		batchDims := tensor.Shape
		if c.maxBatchSize != NoBatching {
			batchDims = tensor.Shape[1:]
		}
		batch1ElementCount := int64(1)
		for _, d := range batchDims {
			batch1ElementCount *= d
		}

		if tensor.DType == runtime.TypeString {
			used := c.setStringOutputBuffer(name, tensor, batch1ElementCount, payloads)
			cudaCopy = cudaCopy || used
			continue
		}

		batch1ByteSize := batch1ElementCount * tensor.DType.ByteSize()
		if got := tensor.ByteSize(); got != totalBatchSize*batch1ByteSize {
			return status.Newf(status.Internal,
				"unexpected size %d for inference output '%s', expecting %d",
				got, name, totalBatchSize*batch1ByteSize)
		}

		info, used := c.setFixedSizeOutputBuffer(name, tensor, batch1ByteSize, payloads)
		cudaCopy = cudaCopy || used
		if len(info.indirect) > 0 {
			outputs = append(outputs, info)
		}
	}

	// Same two-phase drain as the input side: settle the direct copies,
	// flush the deferred ones, settle again so every payload buffer is
	// final before the batch completes.
	if cudaCopy {
		c.stream.Synchronize()
		cudaCopy = false
	}
	for _, o := range outputs {
		for _, oc := range o.indirect {
			src := o.src.Data[oc.srcOffset : oc.srcOffset+oc.byteSize]
			used, err := memory.Copy("indirect buffer", o.src.Space, src, oc.dst.Space, oc.dst.Data, c.stream)
			if err != nil {
				payloads[oc.payload].Status = err
			} else {
				cudaCopy = cudaCopy || used
			}
		}
	}
	if cudaCopy {
		c.stream.Synchronize()
	}
	return nil
}

// setFixedSizeOutputBuffer walks the payloads in batch order and copies
// each one's row range out of the native tensor into a buffer its sink
// allocates. Payloads that failed earlier or did not request the output
// are skipped but still advance the source offset.
func (c *Context) setFixedSizeOutputBuffer(name string, tensor *runtime.Tensor, batch1ByteSize int64, payloads []*infer.Payload) (*outputInfo, bool) {
	info := &outputInfo{src: tensor.Buf}
	cudaCopy := false
	var offset int64
	for i, p := range payloads {
		expectedByteSize := p.Request.BatchSize * batch1ByteSize
		if p.OK() && p.Response != nil && p.Response.RequiresOutput(name) {
			dst, err := p.Response.AllocateOutputBuffer(
				name, expectedByteSize, c.payloadShape(tensor.Shape, p.Request.BatchSize),
				c.outputPlacement(), 0)
			switch {
			case err != nil:
				p.Status = status.Newf(status.Internal,
					"failed to allocate buffer for output '%s': %v", name, err)
			case dst == nil:
				// Sink declined the output, nothing to deliver.
			case !tensor.Buf.Space.HostResident() || !dst.Space.HostResident():
				info.indirect = append(info.indirect, outputCopy{
					srcOffset: offset,
					byteSize:  expectedByteSize,
					payload:   i,
					dst:       dst,
				})
				p.Stats.OutputBytes += expectedByteSize
			default:
				src := tensor.Buf.Data[offset : offset+expectedByteSize]
				used, copyErr := memory.Copy(name, tensor.Buf.Space, src, dst.Space, dst.Data, c.stream)
				if copyErr != nil {
					p.Status = status.Newf(status.Internal,
						"failed to copy output '%s': %v", name, copyErr)
				} else {
					cudaCopy = cudaCopy || used
					p.Stats.OutputBytes += expectedByteSize
				}
			}
		}
		offset += expectedByteSize
	}
	return info, cudaCopy
}

// setStringOutputBuffer re-serializes each payload's element range of a
// string output into the wire encoding and delivers it to the sink.
func (c *Context) setStringOutputBuffer(name string, tensor *runtime.Tensor, batch1ElementCount int64, payloads []*infer.Payload) bool {
	cudaCopy := false
	var elemIdx int64
	for _, p := range payloads {
		expected := p.Request.BatchSize * batch1ElementCount
		if p.OK() && p.Response != nil && p.Response.RequiresOutput(name) {
			serialized := runtime.SerializeStrings(tensor.Strs[elemIdx : elemIdx+expected])
			dst, err := p.Response.AllocateOutputBuffer(
				name, int64(len(serialized)), c.payloadShape(tensor.Shape, p.Request.BatchSize),
				c.outputPlacement(), 0)
			switch {
			case err != nil:
				p.Status = status.Newf(status.Internal,
					"failed to allocate buffer for output '%s': %v", name, err)
			case dst == nil:
			default:
				used, copyErr := memory.Copy(name, memory.CPU, serialized, dst.Space, dst.Data, c.stream)
				if copyErr != nil {
					p.Status = status.Newf(status.Internal,
						"failed to copy output '%s': %v", name, copyErr)
				} else {
					cudaCopy = cudaCopy || used
					p.Stats.OutputBytes += int64(len(serialized))
				}
			}
		}
		elemIdx += expected
	}
	return cudaCopy
}

// outputPlacement is the preferred space for payload output buffers.
func (c *Context) outputPlacement() memory.Space {
	if c.enablePinnedOutput {
		return memory.CPUPinned
	}
	return memory.CPU
}

// payloadShape is the native output shape with the batch dimension
// narrowed to one payload's batch size.
func (c *Context) payloadShape(shape []int64, batchSize int64) []int64 {
	out := append([]int64(nil), shape...)
	if c.maxBatchSize != NoBatching && len(out) > 0 {
		out[0] = batchSize
	}
	return out
}

// compareOutputDims checks a produced output shape against the
// configured dims, skipping the leading batch dimension when batching
// is enabled. A -1 in the configuration matches any native extent.
func compareOutputDims(modelName, name string, nativeShape, cfgDims []int64, batching bool) error {
	native := nativeShape
	if batching {
		if len(native) == 0 {
			return status.Newf(status.ConfigMismatch,
				"output '%s' for model '%s' has no batch dimension in shape %v",
				name, modelName, nativeShape)
		}
		native = native[1:]
	}

	mismatch := len(native) != len(cfgDims)
	if !mismatch {
		for i := range native {
			if cfgDims[i] != -1 && cfgDims[i] != native[i] {
				mismatch = true
				break
			}
		}
	}
	if mismatch {
		return status.Newf(status.ConfigMismatch,
			"unexpected shape %v for inference output '%s', expecting %v for model '%s'",
			nativeShape, name, cfgDims, modelName)
	}
	return nil
}
