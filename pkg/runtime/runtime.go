// Package runtime defines the capability interface to a pluggable
// native execution engine: load a model artifact, describe its tensors,
// create tensors, run a computation. Engines register themselves by
// kind and are selected at model-load time by configuration.
package runtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kunal/gpu-batch-engine/pkg/memory"
)

// Accelerator is one device-specific optimization requested by model
// configuration, e.g. a fused-execution provider with a precision mode.
type Accelerator struct {
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// SessionOptions carries the per-context options resolved from model
// configuration before an artifact is loaded.
type SessionOptions struct {
	// Device is the placement for the session: device.NoGPU,
	// device.ModelDevice, or a concrete (virtual) device index.
	Device int

	// GraphLevel selects the graph optimization pass level:
	// -1 basic, 0 default (full), 1 extended.
	GraphLevel int

	GPUAccelerators []Accelerator
	CPUAccelerators []Accelerator
}

// TensorInfo describes one tensor a loaded model exposes. Dims are the
// native dims as reported by the engine; for models that support
// batching the leading dimension is the (variable) batch dimension.
type TensorInfo struct {
	Name  string   `json:"name"`
	DType DataType `json:"data_type"`
	Dims  []int64  `json:"dims"`
}

// Runtime is a pluggable execution engine kind.
type Runtime interface {
	// Name returns the engine kind for logging.
	Name() string

	// Load loads the model artifact at path into a new session.
	Load(path string, opts SessionOptions) (Model, error)
}

// LockedLoader is implemented by engines whose session creation is not
// safely reentrant for some option combinations. When it reports true
// the backend serializes context creation process-wide; the lock is
// never held during Run.
type LockedLoader interface {
	LoadRequiresLock(opts SessionOptions) bool
}

// Model is one loaded session of an engine. A Model is owned by exactly
// one execution context; Run is a blocking call and is never invoked
// concurrently on the same Model.
type Model interface {
	// Inputs describes the input tensors the session exposes.
	Inputs() map[string]TensorInfo

	// Outputs describes the output tensors the session exposes.
	Outputs() map[string]TensorInfo

	// CreateTensor allocates an engine-owned tensor sized for shape in
	// the given memory space.
	CreateTensor(name string, dtype DataType, shape []int64, space memory.Space, device int64) (*Tensor, error)

	// Run executes the session on the given input tensors and returns
	// one output tensor per requested name, in order.
	Run(inputs []*Tensor, outputNames []string) ([]*Tensor, error)

	Close() error
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Runtime)
)

// Register makes an engine kind selectable by configuration.
func Register(kind string, rt Runtime) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = rt
}

// Get resolves an engine kind.
func Get(kind string) (Runtime, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if rt, ok := registry[kind]; ok {
		return rt, nil
	}
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return nil, fmt.Errorf("unknown runtime kind '%s' (registered: %v)", kind, kinds)
}
