// Package device tracks the accelerators a worker can place execution
// contexts on. Without a real management library loaded the worker runs
// against a simulated device table, the same way the metrics path
// simulates GPU state when NVML is absent.
package device

import (
	"fmt"
	"sync"
)

// Placement sentinels for execution contexts.
const (
	// NoGPU places the context on the CPU.
	NoGPU = -1

	// ModelDevice lets the runtime itself decide placement.
	ModelDevice = -2
)

// Properties describes one accelerator.
type Properties struct {
	Index             int
	Name              string
	ComputeCapability string // "major.minor"
	MemoryTotalGB     float64
}

var (
	mu      sync.RWMutex
	devices []Properties
)

func init() {
	// Default simulated device: one 5GB T4-class slice.
	devices = []Properties{{
		Index:             0,
		Name:              "simulated-gpu",
		ComputeCapability: "7.5",
		MemoryTotalGB:     5.0,
	}}
}

// Configure replaces the device table. Called once at startup (or by
// tests); contexts created afterwards see the new table.
func Configure(props []Properties) {
	mu.Lock()
	defer mu.Unlock()
	devices = props
}

// Count returns the number of known accelerators.
func Count() int {
	mu.RLock()
	defer mu.RUnlock()
	return len(devices)
}

// Query returns the properties of the accelerator at index.
func Query(index int) (Properties, error) {
	mu.RLock()
	defer mu.RUnlock()
	for _, d := range devices {
		if d.Index == index {
			return d, nil
		}
	}
	return Properties{}, fmt.Errorf("unable to get device properties: no device %d (have %d)", index, len(devices))
}
