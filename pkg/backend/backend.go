// Package backend binds a configured model to its execution contexts.
// It resolves the right artifact per device, loads one runtime session
// per configured instance, validates the declared schema against what
// the session reports, and runs scheduled batches of payloads against
// the native model.
package backend

import (
	"fmt"
	"log"
	"sync"

	"github.com/kunal/gpu-batch-engine/pkg/config"
	"github.com/kunal/gpu-batch-engine/pkg/device"
	"github.com/kunal/gpu-batch-engine/pkg/infer"
	"github.com/kunal/gpu-batch-engine/pkg/memory"
	"github.com/kunal/gpu-batch-engine/pkg/runtime"
	"github.com/kunal/gpu-batch-engine/pkg/status"
)

// GPUIOAccelerator asks for model inputs to be placed in device memory
// instead of staged through the host. It is consumed here and never
// forwarded to the runtime.
const GPUIOAccelerator = "gpu_io"

// loadMu serializes session creation for runtimes that report their
// loading as non-reentrant. Never held during Run.
var loadMu sync.Mutex

// StatsSink receives one report per completed batch run. The backend
// never aggregates metrics itself.
type StatsSink interface {
	RecordRun(contextName string, payloads []*infer.Payload, runErr error)
}

// Backend is one loaded model: its configuration, its runtime engine
// and the execution contexts created from the instance groups.
type Backend struct {
	cfg      *config.ModelConfig
	rt       runtime.Runtime
	contexts []*Context
	stats    StatsSink
}

// New resolves the runtime engine for a normalized model configuration.
func New(cfg *config.ModelConfig) (*Backend, error) {
	rt, err := runtime.Get(cfg.Runtime)
	if err != nil {
		return nil, status.Newf(status.ConfigMismatch,
			"failed to create backend for model '%s': %v", cfg.Name, err)
	}
	return &Backend{cfg: cfg, rt: rt}, nil
}

// SetStatsSink attaches a per-run report consumer. Call before batches
// start flowing.
func (b *Backend) SetStatsSink(s StatsSink) { b.stats = s }

// Contexts exposes the created execution contexts.
func (b *Backend) Contexts() []*Context { return b.contexts }

// CreateExecutionContexts expands the instance groups into one
// execution context per instance per device, then registers one runner
// per context with the scheduler. artifacts maps artifact filename to
// its path on disk.
func (b *Backend) CreateExecutionContexts(artifacts map[string]string, sched infer.Scheduler) error {
	for _, g := range b.cfg.InstanceGroups {
		for i := 0; i < g.Count; i++ {
			instance := fmt.Sprintf("%s_%d", g.Name, i)
			switch g.Kind {
			case config.KindCPU:
				if err := b.createExecutionContext(instance+"_cpu", device.NoGPU, artifacts); err != nil {
					return err
				}
			case config.KindModel:
				if err := b.createExecutionContext(instance+"_model_device", device.ModelDevice, artifacts); err != nil {
					return err
				}
			case config.KindGPU:
				for _, gpu := range g.GPUs {
					name := fmt.Sprintf("%s_gpu%d", instance, gpu)
					if err := b.createExecutionContext(name, gpu, artifacts); err != nil {
						return err
					}
				}
			}
		}
	}

	if err := sched.CreateRunners(len(b.contexts), b.initRunner, b.runBatch, b.shape); err != nil {
		return status.Newf(status.Internal,
			"failed to create runners for model '%s': %v", b.cfg.Name, err)
	}
	return nil
}

func (b *Backend) createExecutionContext(name string, gpuDevice int, artifacts map[string]string) error {
	cfg := b.cfg

	// Resolve the artifact for this placement: the compute-capability
	// entry for the device when one matches, the default otherwise.
	ccFilename := cfg.DefaultModelFilename
	placement := gpuDevice
	switch gpuDevice {
	case device.NoGPU, device.ModelDevice:
	default:
		props, err := device.Query(gpuDevice)
		if err != nil {
			return status.Newf(status.DeviceFailure,
				"failed to get device properties for model '%s': %v", cfg.Name, err)
		}
		if fn, ok := cfg.CCModelFilenames[props.ComputeCapability]; ok && fn != "" {
			ccFilename = fn
		}
		if device.HasVirtualDevices() {
			vgpu, err := device.NextVirtualDevice(gpuDevice)
			if err != nil {
				return status.Newf(status.DeviceFailure,
					"failed to map device %d for model '%s': %v", gpuDevice, cfg.Name, err)
			}
			log.Printf("Assigning vGPU %d to context '%s' on physical device %d", vgpu, name, gpuDevice)
			placement = vgpu
		}
	}

	path, ok := artifacts[ccFilename]
	if !ok {
		return status.Newf(status.Internal, "unable to find model '%s' for %s", ccFilename, name)
	}

	opts, inputDeviceID := b.sessionOptions(placement)

	ctx := &Context{
		name:          name,
		modelName:     cfg.Name,
		device:        placement,
		maxBatchSize:  int64(cfg.MaxBatchSize),
		inputDeviceID: inputDeviceID,
		cfg:           cfg,
		inputNameMap:  make(map[string]string, len(cfg.Inputs)),
		outputNameMap: make(map[string]string, len(cfg.Outputs)),
	}
	if o := cfg.Optimization; o != nil {
		ctx.enablePinnedInput = o.InputPinnedMemory.Enable
		ctx.enablePinnedOutput = o.OutputPinnedMemory.Enable
	}
	for i := range cfg.Inputs {
		if n := cfg.Inputs[i].NativeName; n != "" {
			ctx.inputNameMap[cfg.Inputs[i].Name] = n
		}
	}
	for i := range cfg.Outputs {
		if n := cfg.Outputs[i].NativeName; n != "" {
			ctx.outputNameMap[cfg.Outputs[i].Name] = n
		}
	}

	streamDevice := int64(0)
	if placement >= 0 {
		streamDevice = int64(placement)
	}
	ctx.stream = memory.NewStream(streamDevice)

	log.Printf("Creating instance %s on device %d using %s", name, placement, ccFilename)

	locked := false
	if ll, ok := b.rt.(runtime.LockedLoader); ok && ll.LoadRequiresLock(opts) {
		locked = true
		loadMu.Lock()
	}
	model, err := b.rt.Load(path, opts)
	if locked {
		loadMu.Unlock()
	}
	if err != nil {
		return status.Newf(status.Internal, "failed to load model '%s': %v", cfg.Name, err)
	}
	ctx.model = model

	if err := ctx.validateInputs(cfg.Inputs); err != nil {
		model.Close()
		return err
	}
	if err := ctx.validateOutputs(cfg.Outputs); err != nil {
		model.Close()
		return err
	}

	b.contexts = append(b.contexts, ctx)
	return nil
}

// sessionOptions resolves the runtime session options from the model
// optimization block. The gpu_io accelerator is handled here: it moves
// input placement onto the context's device and is not forwarded.
func (b *Backend) sessionOptions(placement int) (runtime.SessionOptions, int) {
	opts := runtime.SessionOptions{Device: placement}
	inputDeviceID := device.ModelDevice

	o := b.cfg.Optimization
	if o == nil {
		return opts, inputDeviceID
	}
	if o.Graph != nil {
		opts.GraphLevel = o.Graph.Level
	}
	if ea := o.ExecutionAccelerators; ea != nil {
		for _, acc := range ea.GPUExecutionAccelerator {
			if acc.Name == GPUIOAccelerator {
				if placement >= 0 {
					inputDeviceID = placement
				}
				continue
			}
			opts.GPUAccelerators = append(opts.GPUAccelerators, acc)
		}
		opts.CPUAccelerators = append([]runtime.Accelerator(nil), ea.CPUExecutionAccelerator...)
	}
	return opts, inputDeviceID
}

// initRunner is invoked by the scheduler once per runner before its
// first batch.
func (b *Backend) initRunner(idx int) error {
	if idx < 0 || idx >= len(b.contexts) {
		return status.Newf(status.Internal,
			"invalid runner index %d for model '%s'", idx, b.cfg.Name)
	}
	ctx := b.contexts[idx]
	log.Printf("✅ Context %s ready (device %d, max batch %d)", ctx.name, ctx.device, ctx.maxBatchSize)
	return nil
}

// runBatch executes one scheduled batch on the runner's context. On a
// batch-fatal error every payload that did not already fail on its own
// is marked failed with that error before completion fires.
func (b *Backend) runBatch(idx int, payloads []*infer.Payload, done infer.CompletionFn) {
	ctx := b.contexts[idx]
	for _, p := range payloads {
		p.Stats.Capture(infer.TimestampBatchStart)
	}

	err := ctx.Run(payloads)
	if err != nil {
		log.Printf("❌ Batch on %s failed: %v", ctx.name, err)
		for _, p := range payloads {
			if p.OK() {
				p.Status = err
			}
		}
	}

	for _, p := range payloads {
		p.Stats.Capture(infer.TimestampBatchEnd)
		p.Complete()
	}
	if b.stats != nil {
		b.stats.RecordRun(ctx.name, payloads, err)
	}
	done(err)
}

// shape reports the batch-relevant dims of an input for the scheduler:
// the payload's own dims when present, the configured dims otherwise.
func (b *Backend) shape(idx int, in *infer.Input, p *infer.Payload) ([]int64, error) {
	if len(in.Dims) > 0 {
		return in.Dims, nil
	}
	if io, ok := b.cfg.Input(in.Name); ok {
		return io.NonBatchDims(), nil
	}
	return nil, status.Newf(status.Internal,
		"unexpected inference input '%s' for model '%s'", in.Name, b.cfg.Name)
}

// Close releases every loaded session.
func (b *Backend) Close() {
	for _, ctx := range b.contexts {
		if err := ctx.model.Close(); err != nil {
			log.Printf("failed to close session for %s: %v", ctx.name, err)
		}
	}
	b.contexts = nil
}
