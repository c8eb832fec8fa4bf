package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kunal/gpu-batch-engine/pkg/config"
	"github.com/kunal/gpu-batch-engine/pkg/worker"
)

func main() {
	cfg := config.Load()
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("⚡ Worker %s starting", cfg.WorkerID)
	log.Printf("   Model dir: %s | Metrics on port %d", cfg.ModelDir, cfg.MetricsPort)
	log.Printf("   GPUs: %d (cc %s, vgpu slots %d) | NVML: %s",
		cfg.GPUCount, cfg.ComputeCapability, cfg.VGPUSlots, cfg.UseNVML)
	log.Printf("   Batch: max_wait=%v, max_queue=%d", cfg.MaxWaitTime, cfg.MaxQueueSize)

	w, err := worker.New(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to create worker: %v", err)
	}

	mux := http.NewServeMux()
	w.Register(mux)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("🚀 HTTP server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("🛑 Shutting down worker...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("❌ Worker failed: %v", err)
	}
	w.Stop()
	log.Println("✅ Worker stopped")
}
