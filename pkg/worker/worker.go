// Package worker assembles one inference worker: the model backend,
// the dynamic batcher feeding its execution contexts, the stats
// surface, and the HTTP ingress for requests.
package worker

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kunal/gpu-batch-engine/pkg/backend"
	"github.com/kunal/gpu-batch-engine/pkg/config"
	"github.com/kunal/gpu-batch-engine/pkg/device"
	"github.com/kunal/gpu-batch-engine/pkg/scheduler"
	"github.com/kunal/gpu-batch-engine/pkg/stats"
)

// Worker is the main worker service.
type Worker struct {
	cfg      *config.Config
	modelCfg *config.ModelConfig

	backend   *backend.Backend
	batcher   *scheduler.DynamicBatcher
	collector *stats.Collector
	telemetry *stats.Telemetry
	stats     *stats.Server
}

// New creates a worker: it configures the device table, loads the model
// configuration and artifacts from cfg.ModelDir, and creates the
// execution contexts with their runners.
func New(cfg *config.Config) (*Worker, error) {
	props := make([]device.Properties, 0, cfg.GPUCount)
	for i := 0; i < cfg.GPUCount; i++ {
		props = append(props, device.Properties{
			Index:             i,
			Name:              "simulated-gpu",
			ComputeCapability: cfg.ComputeCapability,
			MemoryTotalGB:     5.0,
		})
	}
	device.Configure(props)
	if cfg.VGPUSlots > 0 {
		slots := make(map[int]int, cfg.GPUCount)
		for i := 0; i < cfg.GPUCount; i++ {
			slots[i] = cfg.VGPUSlots
		}
		device.InitVirtualDevices(slots)
		log.Printf("🔧 Virtual devices: %d slots per physical GPU", cfg.VGPUSlots)
	}

	modelCfg, err := config.LoadModelConfig(filepath.Join(cfg.ModelDir, "config.json"))
	if err != nil {
		return nil, err
	}
	artifacts, err := scanArtifacts(cfg.ModelDir)
	if err != nil {
		return nil, err
	}

	b, err := backend.New(modelCfg)
	if err != nil {
		return nil, err
	}
	batcher := scheduler.NewDynamicBatcher(scheduler.Config{
		MaxBatchSize: int64(modelCfg.MaxBatchSize),
		MaxWaitTime:  cfg.MaxWaitTime,
		MaxQueueSize: int64(cfg.MaxQueueSize),
	})
	collector := stats.NewCollector(cfg.WorkerID)
	b.SetStatsSink(collector)

	if err := b.CreateExecutionContexts(artifacts, batcher); err != nil {
		return nil, err
	}
	log.Printf("🔧 Model '%s' loaded: %d execution contexts", modelCfg.Name, len(b.Contexts()))

	telemetry := stats.NewTelemetry(batcher, cfg.UseNVML)

	return &Worker{
		cfg:       cfg,
		modelCfg:  modelCfg,
		backend:   b,
		batcher:   batcher,
		collector: collector,
		telemetry: telemetry,
		stats:     stats.NewServer(cfg.WorkerID, collector, telemetry, batcher),
	}, nil
}

// Register installs the worker's HTTP surface on mux: inference
// ingress, health, and the stats endpoints.
func (w *Worker) Register(mux *http.ServeMux) {
	w.stats.Register(mux)
	mux.HandleFunc("/v1/infer", w.handleInfer)
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("OK"))
	})
}

// Stop shuts down the worker gracefully: drain the batcher, then
// release the loaded sessions.
func (w *Worker) Stop() {
	w.batcher.Stop()
	w.telemetry.Stop()
	w.stats.Stop()
	w.backend.Close()
}

// scanArtifacts maps every regular file in the model directory (except
// the configuration itself) from filename to path, for the
// compute-capability artifact lookup.
func scanArtifacts(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read model directory: %w", err)
	}
	artifacts := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name() == "config.json" {
			continue
		}
		artifacts[e.Name()] = filepath.Join(dir, e.Name())
	}
	return artifacts, nil
}
