package stats

import (
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kunal/gpu-batch-engine/pkg/device"
	"github.com/kunal/gpu-batch-engine/pkg/scheduler"
)

// Telemetry tracks GPU state for the metrics surface (real NVML or
// simulated from engine load).
type Telemetry struct {
	batcher *scheduler.DynamicBatcher

	// Simulated GPU state
	mu             sync.RWMutex
	simVRAMUsedGB  float64
	simVRAMTotalGB float64
	simTempC       float64
	simGPUUtil     float64

	useNVML bool
	stopCh  chan struct{}
}

// GPUState is one telemetry reading.
type GPUState struct {
	VRAMFreeGB     float64 `json:"vram_free_gb"`
	VRAMTotalGB    float64 `json:"vram_total_gb"`
	GPUUtilization float64 `json:"gpu_utilization"`
	TemperatureC   float64 `json:"temperature_c"`
}

func NewTelemetry(batcher *scheduler.DynamicBatcher, useNVML string) *Telemetry {
	total := 5.0
	if props, err := device.Query(0); err == nil && props.MemoryTotalGB > 0 {
		total = props.MemoryTotalGB
	}
	t := &Telemetry{
		batcher:        batcher,
		simVRAMTotalGB: total,
		simVRAMUsedGB:  0.8, // base loaded-model footprint
		simTempC:       42.0,
		stopCh:         make(chan struct{}),
	}

	if useNVML == "true" || (useNVML == "auto" && t.tryNVML()) {
		t.useNVML = true
		log.Printf("📊 Telemetry: using REAL NVML")
	} else {
		log.Printf("📊 Telemetry: using SIMULATED GPU stats")
		go t.simulationLoop()
	}
	return t
}

// Stop halts the background simulation.
func (t *Telemetry) Stop() { close(t.stopCh) }

// State returns the current telemetry reading.
func (t *Telemetry) State() GPUState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return GPUState{
		VRAMFreeGB:     t.simVRAMTotalGB - t.simVRAMUsedGB,
		VRAMTotalGB:    t.simVRAMTotalGB,
		GPUUtilization: t.simGPUUtil,
		TemperatureC:   t.simTempC,
	}
}

func (t *Telemetry) tryNVML() bool {
	// TODO: dlopen libnvidia-ml.so and wire the real counters
	return false
}

// simulationLoop derives plausible GPU metrics from actual engine load.
func (t *Telemetry) simulationLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
		}

		queueDepth := float64(t.batcher.QueueDepth())
		batchSize := float64(t.batcher.LastBatchSize.Load())

		t.mu.Lock()

		// Utilization follows queue pressure and batch activity
		targetUtil := math.Min(100, (queueDepth*3)+(batchSize*4))
		// Smooth transition (exponential decay)
		t.simGPUUtil = t.simGPUUtil*0.7 + targetUtil*0.3

		// VRAM: base footprint + proportional to batch activity
		t.simVRAMUsedGB = 0.8 + (batchSize/32.0)*2.5
		t.simVRAMUsedGB = math.Min(t.simVRAMUsedGB, t.simVRAMTotalGB-0.2)

		// Temperature: rises with utilization, cools at idle
		targetTemp := 42.0 + (t.simGPUUtil/100.0)*38.0 // 42°C idle → 80°C full load
		t.simTempC = t.simTempC*0.9 + targetTemp*0.1
		// Slight noise
		t.simTempC += (rand.Float64() - 0.5) * 0.5

		t.mu.Unlock()
	}
}
