package backend

import (
	"log"

	"github.com/kunal/gpu-batch-engine/pkg/config"
	"github.com/kunal/gpu-batch-engine/pkg/infer"
	"github.com/kunal/gpu-batch-engine/pkg/memory"
	"github.com/kunal/gpu-batch-engine/pkg/runtime"
	"github.com/kunal/gpu-batch-engine/pkg/status"
)

// NoBatching as a context max batch size means the model has no batch
// dimension and accepts exactly one request per invocation.
const NoBatching = 0

// Context is one execution context: a loaded session bound to a device,
// fed batches by exactly one scheduler runner. All mutable per-batch
// state lives in the payloads, so a context itself is reused across
// batches without resetting.
type Context struct {
	name      string
	modelName string

	// device is the resolved placement: device.NoGPU, device.ModelDevice
	// or a (virtual) device index.
	device int

	maxBatchSize int64

	enablePinnedInput  bool
	enablePinnedOutput bool

	// inputDeviceID is where aggregated input tensors are placed when a
	// gpu_io accelerator is configured; device.ModelDevice otherwise.
	inputDeviceID int

	cfg    *config.ModelConfig
	model  runtime.Model
	stream *memory.Stream

	inputNameMap  map[string]string
	outputNameMap map[string]string
}

// Name returns the instance name of the context.
func (c *Context) Name() string { return c.name }

// Device returns the resolved device placement.
func (c *Context) Device() int { return c.device }

// MaxBatchSize returns the batching capacity, NoBatching when the model
// has no batch dimension.
func (c *Context) MaxBatchSize() int64 { return c.maxBatchSize }

func (c *Context) nativeInputName(name string) string {
	if n, ok := c.inputNameMap[name]; ok {
		return n
	}
	return name
}

func (c *Context) nativeOutputName(name string) string {
	if n, ok := c.outputNameMap[name]; ok {
		return n
	}
	return name
}

// Run executes one batch of payloads against the loaded session:
// aggregate the request contents into native input tensors, invoke the
// model once, and scatter the outputs back per payload. The returned
// error is batch-fatal; payload-local failures are recorded on the
// payload and leave the rest of the batch running.
func (c *Context) Run(payloads []*infer.Payload) error {
	log.Printf("Running %s with %d request payloads", c.name, len(payloads))

	var totalBatchSize int64
	var repr *infer.Request
	for _, p := range payloads {
		// The scheduler must never hand a runner an already-failed
		// payload.
		if !p.OK() {
			return status.Newf(status.Internal,
				"unexpected payload with non-OK status given to runner for '%s'", c.name)
		}
		totalBatchSize += p.Request.BatchSize
		if repr == nil {
			repr = p.Request
		}
	}

	// No valid payloads, nothing to run.
	if totalBatchSize == 0 {
		return nil
	}
	if totalBatchSize != 1 && totalBatchSize > c.maxBatchSize {
		return status.Newf(status.CapacityViolation,
			"dynamic batch size %d for '%s', max allowed is %d",
			totalBatchSize, c.name, c.maxBatchSize)
	}

	// A requested output the model does not have fails only the payload
	// that asked for it.
	for _, p := range payloads {
		for _, name := range p.Request.Outputs {
			if _, ok := c.cfg.Output(name); !ok {
				p.Status = status.Newf(status.MalformedInput,
					"unexpected inference output '%s' for model '%s'", name, c.modelName)
				break
			}
		}
	}

	// Aggregate inputs: create one native tensor per input and scatter
	// each payload's rows into it.
	inputTensors := make([]*runtime.Tensor, 0, len(repr.Inputs))
	var inputs []*inputInfo
	cudaCopy := false
	for _, in := range repr.Inputs {
		tensor, info, used, err := c.setInputTensor(in, totalBatchSize, payloads)
		if err != nil {
			return err
		}
		inputTensors = append(inputTensors, tensor)
		if info != nil && len(info.indirect) > 0 {
			inputs = append(inputs, info)
		}
		cudaCopy = cudaCopy || used
	}

	// Wait for the scattered copies, then drain the deferred ones in one
	// bulk pass against the now-final destinations, then wait again so
	// every input byte is settled before the session sees the tensors.
	if cudaCopy {
		c.stream.Synchronize()
		cudaCopy = false
	}
	for _, info := range inputs {
		for _, ib := range info.indirect {
			dst := info.buffer[ib.DstOffset : ib.DstOffset+int64(len(ib.Src.Data))]
			used, err := memory.Copy("indirect buffer", ib.Src.Space, ib.Src.Data, info.space, dst, c.stream)
			if err != nil {
				for _, idx := range ib.Payloads {
					payloads[idx].Status = err
				}
			} else {
				cudaCopy = cudaCopy || used
			}
		}
	}
	if cudaCopy {
		c.stream.Synchronize()
	}

	for _, p := range payloads {
		p.Stats.Capture(infer.TimestampComputeInputEnd)
	}

	// Union of requested outputs across the batch, in configuration
	// order.
	outputNames := make([]string, 0, len(c.cfg.Outputs))
	nativeNames := make([]string, 0, len(c.cfg.Outputs))
	for i := range c.cfg.Outputs {
		name := c.cfg.Outputs[i].Name
		for _, p := range payloads {
			if !p.OK() {
				continue
			}
			requested := false
			for _, o := range p.Request.Outputs {
				if o == name {
					requested = true
					break
				}
			}
			if requested {
				outputNames = append(outputNames, name)
				nativeNames = append(nativeNames, c.nativeOutputName(name))
				break
			}
		}
	}
	if len(outputNames) == 0 {
		return nil
	}

	outputTensors, err := c.model.Run(inputTensors, nativeNames)
	if err != nil {
		return status.Newf(status.DeviceFailure, "failed to run model '%s': %v", c.modelName, err)
	}

	for _, p := range payloads {
		p.Stats.Capture(infer.TimestampComputeOutputStart)
	}

	return c.readOutputTensors(totalBatchSize, outputNames, outputTensors, payloads)
}

// validateInputs checks every configured input against the tensors the
// loaded session reports. Any disagreement is fatal at load time.
func (c *Context) validateInputs(ios []config.ModelInput) error {
	native := c.model.Inputs()
	for i := range ios {
		io := &ios[i]
		if io.DataType != runtime.TypeString && io.DataType.ByteSize() == 0 {
			return status.Newf(status.ConfigMismatch,
				"unsupported datatype %s for inference input '%s' of model '%s'",
				io.DataType, io.Name, c.modelName)
		}
		ti, ok := native[c.nativeInputName(io.Name)]
		if !ok {
			return status.Newf(status.ConfigMismatch,
				"unable to load model '%s', inference input '%s' is not found in the model",
				c.modelName, io.Name)
		}
		if ti.DType != io.DataType {
			return status.Newf(status.ConfigMismatch,
				"unable to load model '%s', inference input '%s' datatype is %s, model specifies %s",
				c.modelName, io.Name, io.DataType, ti.DType)
		}
		if err := compareModelDims(c.modelName, io.Name, ti.Dims, io.NonBatchDims(), c.maxBatchSize != NoBatching); err != nil {
			return err
		}
	}
	return nil
}

// validateOutputs checks every configured output against the tensors
// the loaded session reports.
func (c *Context) validateOutputs(ios []config.ModelOutput) error {
	native := c.model.Outputs()
	for i := range ios {
		io := &ios[i]
		if io.DataType != runtime.TypeString && io.DataType.ByteSize() == 0 {
			return status.Newf(status.ConfigMismatch,
				"unsupported datatype %s for inference output '%s' of model '%s'",
				io.DataType, io.Name, c.modelName)
		}
		ti, ok := native[c.nativeOutputName(io.Name)]
		if !ok {
			return status.Newf(status.ConfigMismatch,
				"unable to load model '%s', inference output '%s' is not found in the model",
				c.modelName, io.Name)
		}
		if ti.DType != io.DataType {
			return status.Newf(status.ConfigMismatch,
				"unable to load model '%s', inference output '%s' datatype is %s, model specifies %s",
				c.modelName, io.Name, io.DataType, ti.DType)
		}
		if err := compareModelDims(c.modelName, io.Name, ti.Dims, io.NonBatchDims(), c.maxBatchSize != NoBatching); err != nil {
			return err
		}
	}
	return nil
}

// compareModelDims checks the dims a session reports for a tensor
// against the configured dims. With batching enabled the native shape
// must carry one extra leading variable dimension. A -1 on either side
// matches any extent.
func compareModelDims(modelName, name string, nativeDims, cfgDims []int64, batching bool) error {
	native := nativeDims
	if batching {
		if len(native) == 0 || native[0] != -1 {
			return status.Newf(status.ConfigMismatch,
				"unable to load model '%s', configuration supports batching but tensor '%s' shape %v has no variable batch dimension",
				modelName, name, nativeDims)
		}
		native = native[1:]
	}

	mismatch := len(native) != len(cfgDims)
	if !mismatch {
		for i := range native {
			if native[i] == -1 || cfgDims[i] == -1 {
				continue
			}
			if native[i] != cfgDims[i] {
				mismatch = true
				break
			}
		}
	}
	if mismatch {
		return status.Newf(status.ConfigMismatch,
			"unable to load model '%s', tensor '%s' shape %v does not match configuration shape %v",
			modelName, name, nativeDims, cfgDims)
	}
	return nil
}
