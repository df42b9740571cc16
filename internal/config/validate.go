// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"fmt"

	"github.com/Tim-Spurlin/VibeNote/internal/validate"
)

var validClasses = map[string]bool{"interactive": true, "watch": true, "export": true}

// Validate accumulates every validation failure across the whole config so
// a caller can reject a delta atomically instead of applying a partially
// valid one.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.Range("queue.capacity", cfg.Queue.Capacity, 1, 10000)
	for class, limit := range cfg.Queue.ClassLimits {
		if !validClasses[class] {
			v.AddError("queue.class_limits", fmt.Sprintf("unknown class %q", class), class)
			continue
		}
		v.Range("queue.class_limits."+class, limit, 0, 16)
	}

	v.RangeFloat("gpu.util_high_threshold", cfg.GPU.UtilHighThreshold, 1, 100)
	v.RangeFloat("gpu.util_resume_margin", cfg.GPU.UtilResumeMargin, 0, cfg.GPU.UtilHighThreshold)
	v.Positive("gpu.assumed_model_layers", int(cfg.GPU.AssumedModelLayers))
	// vram_total is sampled from the device at runtime, never configured, so
	// the upper bound here is a sanity ceiling rather than the true device
	// capacity; gpuguard additionally compares headroom against live free VRAM.
	v.Range("gpu.vram_headroom_mb", int(cfg.GPU.VRAMHeadroomMB), 0, 1<<20)

	v.NotEmpty("inference.host", cfg.Inference.Host)
	v.Range("inference.port", cfg.Inference.Port, 1, 65535)
	v.NotEmpty("inference.server_binary", cfg.Inference.ServerBinary)

	v.Positive("watch.interval_seconds", cfg.Watch.IntervalSeconds)

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		v.AddError("log_level", fmt.Sprintf("must be one of debug,info,warn,error; got %q", cfg.LogLevel), cfg.LogLevel)
	}

	return v.Err()
}
