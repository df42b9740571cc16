// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

// ApplyDefaults fills zero-valued fields of a loaded FileConfig with the
// same defaults the individual components (gpuguard.Config, queue.Config)
// fall back to when constructed directly, so a config file only needs to
// name what it overrides.
func ApplyDefaults(fc FileConfig) AppConfig {
	cfg := AppConfig{
		LogLevel:  fc.LogLevel,
		Queue:     fc.Queue,
		GPU:       fc.GPU,
		Inference: fc.Inference,
		Watch:     fc.Watch,
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 128
	}
	if cfg.Queue.ClassLimits == nil {
		cfg.Queue.ClassLimits = map[string]int{
			"interactive": 2,
			"watch":       1,
			"export":      1,
		}
	}

	if cfg.GPU.UtilHighThreshold <= 0 {
		cfg.GPU.UtilHighThreshold = 85
	}
	if cfg.GPU.UtilResumeMargin <= 0 {
		cfg.GPU.UtilResumeMargin = 10
	}
	if cfg.GPU.VRAMHeadroomMB == 0 {
		cfg.GPU.VRAMHeadroomMB = 800
	}
	if cfg.GPU.AssumedModelLayers == 0 {
		cfg.GPU.AssumedModelLayers = 32
	}

	if cfg.Inference.Host == "" {
		cfg.Inference.Host = "127.0.0.1"
	}
	if cfg.Inference.Port == 0 {
		cfg.Inference.Port = 8080
	}
	if cfg.Inference.ServerBinary == "" {
		cfg.Inference.ServerBinary = "third_party/llama.cpp/server"
	}

	if cfg.Watch.IntervalSeconds <= 0 {
		cfg.Watch.IntervalSeconds = 30
	}

	return cfg
}
