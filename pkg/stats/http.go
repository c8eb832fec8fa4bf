package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kunal/gpu-batch-engine/pkg/scheduler"
)

// Server is the metrics surface of one worker: Prometheus text on
// /metrics, a JSON snapshot on /stats, live pushes on /ws.
type Server struct {
	workerID    string
	collector   *Collector
	telemetry   *Telemetry
	batcher     *scheduler.DynamicBatcher
	broadcaster *Broadcaster

	stopCh chan struct{}
}

func NewServer(workerID string, collector *Collector, telemetry *Telemetry, batcher *scheduler.DynamicBatcher) *Server {
	return &Server{
		workerID:    workerID,
		collector:   collector,
		telemetry:   telemetry,
		batcher:     batcher,
		broadcaster: NewBroadcaster(),
		stopCh:      make(chan struct{}),
	}
}

// Register installs the handlers on mux and starts the dashboard push
// loop.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", s.ServePrometheus)
	mux.HandleFunc("/stats", s.ServeJSON)
	mux.HandleFunc("/ws", s.broadcaster.HandleWS)
	go s.broadcastLoop()
}

// Stop halts the push loop.
func (s *Server) Stop() { close(s.stopCh) }

func (s *Server) state() *EngineState {
	return &EngineState{
		WorkerID:      s.workerID,
		GPU:           s.telemetry.State(),
		QueueDepth:    s.batcher.QueueDepth(),
		AvgLatencyMs:  s.batcher.AvgLatencyMs.Load(),
		LastBatchSize: s.batcher.LastBatchSize.Load(),
		TotalBatches:  s.batcher.TotalBatches.Load(),
		TotalPayloads: s.batcher.TotalPayloads.Load(),
		Contexts:      s.collector.Snapshot(),
	}
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.broadcaster.Broadcast(s.state())
		}
	}
}

// ServeJSON writes the full engine state snapshot.
func (s *Server) ServeJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.state())
}

// ServePrometheus writes Prometheus-format metrics.
func (s *Server) ServePrometheus(w http.ResponseWriter, r *http.Request) {
	st := s.state()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP gpu_vram_free_gb Free VRAM in GB\n")
	fmt.Fprintf(w, "# TYPE gpu_vram_free_gb gauge\n")
	fmt.Fprintf(w, "gpu_vram_free_gb{worker=\"%s\"} %.2f\n", st.WorkerID, st.GPU.VRAMFreeGB)
	fmt.Fprintf(w, "# HELP gpu_vram_total_gb Total VRAM in GB\n")
	fmt.Fprintf(w, "# TYPE gpu_vram_total_gb gauge\n")
	fmt.Fprintf(w, "gpu_vram_total_gb{worker=\"%s\"} %.2f\n", st.WorkerID, st.GPU.VRAMTotalGB)
	fmt.Fprintf(w, "# HELP gpu_utilization GPU utilization percentage\n")
	fmt.Fprintf(w, "# TYPE gpu_utilization gauge\n")
	fmt.Fprintf(w, "gpu_utilization{worker=\"%s\"} %.2f\n", st.WorkerID, st.GPU.GPUUtilization)
	fmt.Fprintf(w, "# HELP gpu_temperature_celsius GPU temperature\n")
	fmt.Fprintf(w, "# TYPE gpu_temperature_celsius gauge\n")
	fmt.Fprintf(w, "gpu_temperature_celsius{worker=\"%s\"} %.1f\n", st.WorkerID, st.GPU.TemperatureC)
	fmt.Fprintf(w, "# HELP engine_queue_depth Current queue depth\n")
	fmt.Fprintf(w, "# TYPE engine_queue_depth gauge\n")
	fmt.Fprintf(w, "engine_queue_depth{worker=\"%s\"} %d\n", st.WorkerID, st.QueueDepth)
	fmt.Fprintf(w, "# HELP engine_avg_latency_ms Average batch latency\n")
	fmt.Fprintf(w, "# TYPE engine_avg_latency_ms gauge\n")
	fmt.Fprintf(w, "engine_avg_latency_ms{worker=\"%s\"} %d\n", st.WorkerID, st.AvgLatencyMs)
	fmt.Fprintf(w, "# HELP engine_last_batch_size Last total batch size\n")
	fmt.Fprintf(w, "# TYPE engine_last_batch_size gauge\n")
	fmt.Fprintf(w, "engine_last_batch_size{worker=\"%s\"} %d\n", st.WorkerID, st.LastBatchSize)
	fmt.Fprintf(w, "# HELP engine_total_batches Total batches executed\n")
	fmt.Fprintf(w, "# TYPE engine_total_batches counter\n")
	fmt.Fprintf(w, "engine_total_batches{worker=\"%s\"} %d\n", st.WorkerID, st.TotalBatches)
	fmt.Fprintf(w, "# HELP engine_total_payloads Total payloads executed\n")
	fmt.Fprintf(w, "# TYPE engine_total_payloads counter\n")
	fmt.Fprintf(w, "engine_total_payloads{worker=\"%s\"} %d\n", st.WorkerID, st.TotalPayloads)

	fmt.Fprintf(w, "# HELP context_success_total Successful payloads per context\n")
	fmt.Fprintf(w, "# TYPE context_success_total counter\n")
	for _, cs := range st.Contexts {
		fmt.Fprintf(w, "context_success_total{worker=\"%s\",context=\"%s\"} %d\n", st.WorkerID, cs.Name, cs.SuccessCount)
	}
	fmt.Fprintf(w, "# HELP context_failed_total Failed payloads per context\n")
	fmt.Fprintf(w, "# TYPE context_failed_total counter\n")
	for _, cs := range st.Contexts {
		fmt.Fprintf(w, "context_failed_total{worker=\"%s\",context=\"%s\"} %d\n", st.WorkerID, cs.Name, cs.FailedCount)
	}
	fmt.Fprintf(w, "# HELP context_batch_runs_total Batch runs per context\n")
	fmt.Fprintf(w, "# TYPE context_batch_runs_total counter\n")
	for _, cs := range st.Contexts {
		fmt.Fprintf(w, "context_batch_runs_total{worker=\"%s\",context=\"%s\"} %d\n", st.WorkerID, cs.Name, cs.BatchRuns)
	}
}
