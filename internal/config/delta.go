// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

// Delta is a partial config update as accepted by PUT /v1/config. Every
// field is a pointer so "absent" and "explicitly set to the zero value"
// are distinguishable; nil fields leave the current value untouched.
type Delta struct {
	LogLevel *string `json:"log_level,omitempty"`

	QueueCapacity    *int           `json:"queue_capacity,omitempty"`
	QueueClassLimits map[string]int `json:"queue_class_limits,omitempty"`

	GPUUtilHighThreshold  *float64 `json:"gpu_util_high_threshold,omitempty"`
	GPUUtilResumeMargin   *float64 `json:"gpu_util_resume_margin,omitempty"`
	GPUVRAMHeadroomMB     *uint64  `json:"gpu_vram_headroom_mb,omitempty"`
	GPUAssumedModelLayers *uint32  `json:"gpu_assumed_model_layers,omitempty"`

	InferenceHost         *string  `json:"inference_host,omitempty"`
	InferencePort         *int     `json:"inference_port,omitempty"`
	InferenceServerBinary *string  `json:"inference_server_binary,omitempty"`
	InferenceModelPath    *string  `json:"inference_model_path,omitempty"`
	InferenceExtraArgs    []string `json:"inference_extra_args,omitempty"`

	WatchEnabled         *bool `json:"watch_enabled,omitempty"`
	WatchIntervalSeconds *int  `json:"watch_interval_seconds,omitempty"`
}

// Apply returns a copy of base with every non-nil field of d overlaid on
// top. The result is not validated; callers validate the merged candidate
// before committing it.
func (d Delta) Apply(base AppConfig) AppConfig {
	out := base
	out.Queue.ClassLimits = cloneLimits(base.Queue.ClassLimits)

	if d.LogLevel != nil {
		out.LogLevel = *d.LogLevel
	}
	if d.QueueCapacity != nil {
		out.Queue.Capacity = *d.QueueCapacity
	}
	if d.QueueClassLimits != nil {
		out.Queue.ClassLimits = cloneLimits(d.QueueClassLimits)
	}
	if d.GPUUtilHighThreshold != nil {
		out.GPU.UtilHighThreshold = *d.GPUUtilHighThreshold
	}
	if d.GPUUtilResumeMargin != nil {
		out.GPU.UtilResumeMargin = *d.GPUUtilResumeMargin
	}
	if d.GPUVRAMHeadroomMB != nil {
		out.GPU.VRAMHeadroomMB = *d.GPUVRAMHeadroomMB
	}
	if d.GPUAssumedModelLayers != nil {
		out.GPU.AssumedModelLayers = *d.GPUAssumedModelLayers
	}
	if d.InferenceHost != nil {
		out.Inference.Host = *d.InferenceHost
	}
	if d.InferencePort != nil {
		out.Inference.Port = *d.InferencePort
	}
	if d.InferenceServerBinary != nil {
		out.Inference.ServerBinary = *d.InferenceServerBinary
	}
	if d.InferenceModelPath != nil {
		out.Inference.ModelPath = *d.InferenceModelPath
	}
	if d.InferenceExtraArgs != nil {
		out.Inference.ExtraArgs = append([]string(nil), d.InferenceExtraArgs...)
	}
	if d.WatchEnabled != nil {
		out.Watch.Enabled = *d.WatchEnabled
	}
	if d.WatchIntervalSeconds != nil {
		out.Watch.IntervalSeconds = *d.WatchIntervalSeconds
	}
	return out
}

func cloneLimits(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
