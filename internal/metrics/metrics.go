// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics exposes the Prometheus series published by the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth is the total number of queued (not yet dispatched) tasks.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vibenote_queue_depth",
		Help: "Total number of tasks currently queued.",
	})

	// QueueDepthByPriority is queue depth broken down by priority lane.
	QueueDepthByPriority = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vibenote_queue_depth_by_priority",
		Help: "Number of queued tasks by priority lane.",
	}, []string{"priority"})

	// Running is the number of in-flight tasks per class.
	Running = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vibenote_running",
		Help: "Number of in-flight tasks by class.",
	}, []string{"class"})

	// TasksTotal counts tasks reaching a terminal outcome.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vibenote_tasks_total",
		Help: "Total tasks reaching a terminal outcome, by class and outcome.",
	}, []string{"class", "outcome"})

	// GPUUtilizationPercent is the last sampled GPU utilisation percentage.
	GPUUtilizationPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vibenote_gpu_utilization_percent",
		Help: "Last sampled GPU utilisation percentage.",
	})

	// GPUVRAMFreeMB is the last sampled free VRAM in megabytes.
	GPUVRAMFreeMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vibenote_gpu_vram_free_mb",
		Help: "Last sampled free VRAM in megabytes.",
	})

	// InferenceReconnectAttemptsTotal counts reconnect attempts made by the inference client.
	InferenceReconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibenote_inference_reconnect_attempts_total",
		Help: "Total reconnect attempts made by the inference client.",
	})
)

// SetQueueDepth publishes the total and per-priority queue depth gauges.
func SetQueueDepth(total int, high, normal, low int) {
	QueueDepth.Set(float64(total))
	QueueDepthByPriority.WithLabelValues("high").Set(float64(high))
	QueueDepthByPriority.WithLabelValues("normal").Set(float64(normal))
	QueueDepthByPriority.WithLabelValues("low").Set(float64(low))
}

// SetRunning publishes the per-class in-flight gauge.
func SetRunning(class string, n int) {
	Running.WithLabelValues(class).Set(float64(n))
}

// IncTasksTotal increments the terminal-outcome counter for a class.
func IncTasksTotal(class, outcome string) {
	TasksTotal.WithLabelValues(class, outcome).Inc()
}

// SetGPUStats publishes the GPU gauges sampled by the guard.
func SetGPUStats(utilPercent float64, vramFreeMB uint64) {
	GPUUtilizationPercent.Set(utilPercent)
	GPUVRAMFreeMB.Set(float64(vramFreeMB))
}

// IncInferenceReconnectAttempts increments the reconnect-attempt counter.
func IncInferenceReconnectAttempts() {
	InferenceReconnectAttemptsTotal.Inc()
}
