package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the worker process.
type Config struct {
	// Common
	WorkerID string

	// Model
	ModelDir string // directory holding config.json plus model artifacts

	// Scheduler
	MaxWaitTime  time.Duration
	MaxQueueSize int

	// Devices
	GPUCount          int
	ComputeCapability string
	VGPUSlots         int // virtual slots per physical device, 0 disables

	// Stats
	MetricsPort int
	UseNVML     string // "true", "false" or "auto"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		WorkerID:          envStr("WORKER_ID", "worker-0"),
		ModelDir:          envStr("MODEL_DIR", "models/addsub"),
		MaxWaitTime:       time.Duration(envInt("MAX_WAIT_MS", 50)) * time.Millisecond,
		MaxQueueSize:      envInt("MAX_QUEUE_SIZE", 1024),
		GPUCount:          envInt("GPU_COUNT", 1),
		ComputeCapability: envStr("GPU_COMPUTE_CAPABILITY", "7.5"),
		VGPUSlots:         envInt("VGPU_SLOTS", 0),
		MetricsPort:       envInt("METRICS_PORT", 9090),
		UseNVML:           envStr("USE_NVML", "auto"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
