package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kunal/gpu-batch-engine/pkg/runtime"
)

// Instance group kinds.
const (
	KindCPU   = "KIND_CPU"
	KindGPU   = "KIND_GPU"
	KindModel = "KIND_MODEL"
)

// ModelInput declares one input tensor of the model schema. Dims are
// per-request dims, without the batch dimension. Reshape, when set,
// overrides Dims when matching against the native model.
type ModelInput struct {
	Name     string           `json:"name"`
	DataType runtime.DataType `json:"data_type"`
	Dims     []int64          `json:"dims"`
	Reshape  []int64          `json:"reshape,omitempty"`

	// NativeName is the tensor name inside the model artifact when it
	// differs from the configured name.
	NativeName string `json:"native_name,omitempty"`
}

// ModelOutput declares one output tensor of the model schema.
type ModelOutput struct {
	Name     string           `json:"name"`
	DataType runtime.DataType `json:"data_type"`
	Dims     []int64          `json:"dims"`
	Reshape  []int64          `json:"reshape,omitempty"`

	// NativeName is the tensor name inside the model artifact when it
	// differs from the configured name.
	NativeName string `json:"native_name,omitempty"`
}

// InstanceGroup declares how many execution contexts to create and
// where to place them.
type InstanceGroup struct {
	Name  string `json:"name,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Count int    `json:"count,omitempty"`
	GPUs  []int  `json:"gpus,omitempty"`
}

// GraphOptimization selects the graph-level optimization pass:
// -1 basic, 0 full, 1 extended.
type GraphOptimization struct {
	Level int `json:"level"`
}

// PinnedMemory enables pinned-host staging buffers for one direction.
type PinnedMemory struct {
	Enable bool `json:"enable"`
}

// ExecutionAccelerators lists device-specific optimizations to apply at
// session creation.
type ExecutionAccelerators struct {
	GPUExecutionAccelerator []runtime.Accelerator `json:"gpu_execution_accelerator,omitempty"`
	CPUExecutionAccelerator []runtime.Accelerator `json:"cpu_execution_accelerator,omitempty"`
}

// Optimization holds the per-model optimization options.
type Optimization struct {
	Graph                 *GraphOptimization     `json:"graph,omitempty"`
	ExecutionAccelerators *ExecutionAccelerators `json:"execution_accelerators,omitempty"`
	InputPinnedMemory     PinnedMemory           `json:"input_pinned_memory"`
	OutputPinnedMemory    PinnedMemory           `json:"output_pinned_memory"`
}

// ModelConfig is the per-model schema. It is immutable for the lifetime
// of a loaded model version; the execution core only reads it.
type ModelConfig struct {
	Name    string `json:"name"`
	Runtime string `json:"runtime"`

	// MaxBatchSize 0 means batching is disabled: the model accepts
	// exactly one request per invocation and no batch dimension is
	// prepended.
	MaxBatchSize int `json:"max_batch_size"`

	Inputs  []ModelInput  `json:"input"`
	Outputs []ModelOutput `json:"output"`

	InstanceGroups []InstanceGroup `json:"instance_group,omitempty"`
	Optimization   *Optimization   `json:"optimization,omitempty"`

	// DefaultModelFilename is the artifact used when no
	// capability-specific entry matches.
	DefaultModelFilename string `json:"default_model_filename,omitempty"`

	// CCModelFilenames maps a device compute capability ("7.5") to the
	// artifact built for it.
	CCModelFilenames map[string]string `json:"cc_model_filenames,omitempty"`
}

// LoadModelConfig reads and normalizes a model configuration file.
func LoadModelConfig(path string) (*ModelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model configuration: %w", err)
	}
	var mc ModelConfig
	if err := json.Unmarshal(raw, &mc); err != nil {
		return nil, fmt.Errorf("failed to parse model configuration %s: %w", path, err)
	}
	if err := mc.Normalize(); err != nil {
		return nil, err
	}
	return &mc, nil
}

// Normalize fills defaults and rejects configurations the core cannot
// execute. It must be called once before the configuration is used.
func (mc *ModelConfig) Normalize() error {
	if mc.Name == "" {
		return fmt.Errorf("model configuration must specify 'name'")
	}
	if mc.Runtime == "" {
		mc.Runtime = "simulation"
	}
	if mc.MaxBatchSize < 0 {
		mc.MaxBatchSize = 0
	}
	if len(mc.Inputs) == 0 || len(mc.Outputs) == 0 {
		return fmt.Errorf("model '%s' must declare at least one input and one output", mc.Name)
	}
	if mc.DefaultModelFilename == "" {
		mc.DefaultModelFilename = "model.json"
	}

	if len(mc.InstanceGroups) == 0 {
		mc.InstanceGroups = []InstanceGroup{{Kind: KindCPU, Count: 1}}
	}
	for i := range mc.InstanceGroups {
		g := &mc.InstanceGroups[i]
		if g.Name == "" {
			g.Name = fmt.Sprintf("%s_%d", mc.Name, i)
		}
		if g.Count <= 0 {
			g.Count = 1
		}
		switch g.Kind {
		case "":
			g.Kind = KindCPU
		case KindCPU, KindModel:
		case KindGPU:
			if len(g.GPUs) == 0 {
				return fmt.Errorf("instance group '%s' of model '%s' has KIND_GPU but no gpus", g.Name, mc.Name)
			}
		default:
			return fmt.Errorf("instance group '%s' of model '%s' has unknown kind '%s'", g.Name, mc.Name, g.Kind)
		}
	}
	return nil
}

// Input looks up an input declaration by configured name.
func (mc *ModelConfig) Input(name string) (*ModelInput, bool) {
	for i := range mc.Inputs {
		if mc.Inputs[i].Name == name {
			return &mc.Inputs[i], true
		}
	}
	return nil, false
}

// Output looks up an output declaration by configured name.
func (mc *ModelConfig) Output(name string) (*ModelOutput, bool) {
	for i := range mc.Outputs {
		if mc.Outputs[i].Name == name {
			return &mc.Outputs[i], true
		}
	}
	return nil, false
}

// NonBatchDims returns the dims used to match io against the native
// model: the reshape override when present, the declared dims otherwise.
func (io *ModelOutput) NonBatchDims() []int64 {
	if len(io.Reshape) > 0 {
		return io.Reshape
	}
	return io.Dims
}

// NonBatchDims returns the matching dims for an input declaration.
func (io *ModelInput) NonBatchDims() []int64 {
	if len(io.Reshape) > 0 {
		return io.Reshape
	}
	return io.Dims
}
