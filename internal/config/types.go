// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config owns on-disk configuration, validation, and the
// atomically-swapped runtime snapshot the rest of the daemon reads from.
package config

// QueueConfig mirrors queue.Config on disk.
type QueueConfig struct {
	Capacity    int               `yaml:"capacity"`
	ClassLimits map[string]int    `yaml:"class_limits"`
}

// GPUConfig mirrors gpuguard.Config on disk.
type GPUConfig struct {
	UtilHighThreshold  float64 `yaml:"util_high_threshold"`
	UtilResumeMargin   float64 `yaml:"util_resume_margin"`
	VRAMHeadroomMB     uint64  `yaml:"vram_headroom_mb"`
	AssumedModelLayers uint32  `yaml:"assumed_model_layers"`
}

// InferenceConfig mirrors inference.Config on disk.
type InferenceConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ServerBinary string   `yaml:"server_binary"`
	ModelPath    string   `yaml:"model_path"`
	ExtraArgs    []string `yaml:"extra_args"`
}

// WatchConfig controls the optional watch-mode task producer.
type WatchConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

// FileConfig is the raw, as-written-on-disk shape loaded from YAML.
type FileConfig struct {
	LogLevel  string          `yaml:"log_level"`
	Queue     QueueConfig     `yaml:"queue"`
	GPU       GPUConfig       `yaml:"gpu"`
	Inference InferenceConfig `yaml:"inference"`
	Watch     WatchConfig     `yaml:"watch"`
}

// AppConfig is FileConfig after defaults have been applied and the result
// has passed Validate. Only AppConfig values are ever placed in a Snapshot.
type AppConfig struct {
	LogLevel  string
	Queue     QueueConfig
	GPU       GPUConfig
	Inference InferenceConfig
	Watch     WatchConfig
}
