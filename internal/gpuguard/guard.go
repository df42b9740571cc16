// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package gpuguard implements the sampling supervisor that decides whether
// new inference work may run and computes a recommended GPU-layer offload
// count when the model is (re)loaded.
package gpuguard

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tim-Spurlin/VibeNote/internal/metrics"
	"github.com/rs/zerolog"
)

const pollInterval = 200 * time.Millisecond // 5 Hz

// Sample is one raw reading from the underlying GPU facility.
type Sample struct {
	UtilizationPercent float32
	VRAMFreeMB         uint64
	VRAMTotalMB        uint64
}

// Device abstracts the platform-specific GPU query facility (e.g. NVML). A
// nil Device means "no GPU handle available".
type Device interface {
	Sample(ctx context.Context) (Sample, error)
}

// Config holds the thresholds that drive the throttle hysteresis and the
// offload-layer recommendation.
type Config struct {
	UtilHighThreshold  float64 // default 85
	UtilResumeMargin   float64 // default 10
	VRAMHeadroomMB     uint64  // default 800
	AssumedModelLayers uint32  // default 32
}

func (c Config) withDefaults() Config {
	if c.UtilHighThreshold <= 0 {
		c.UtilHighThreshold = 85
	}
	if c.UtilResumeMargin <= 0 {
		c.UtilResumeMargin = 10
	}
	if c.VRAMHeadroomMB == 0 {
		c.VRAMHeadroomMB = 800
	}
	if c.AssumedModelLayers == 0 {
		c.AssumedModelLayers = 32
	}
	return c
}

// Stats is an atomic snapshot of the guard's last observed GPU state.
type Stats struct {
	UtilizationPercent float32
	VRAMFreeMB         uint64
	VRAMTotalMB        uint64
	Throttled          bool
}

// Guard is the sampling supervisor. Stats and CanAcceptWork are lock-free
// atomic reads; subscriber management, device re-init, and threshold
// reads/updates take a mutex.
type Guard struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	device Device

	utilBits    atomic.Uint32
	vramFree    atomic.Uint64
	vramTotal   atomic.Uint64
	throttled   atomic.Bool
	unavailable atomic.Bool
	sampled     atomic.Bool

	subMu       sync.Mutex
	subscribers []func(bool)
}

// New creates a Guard. A nil device means the guard is permanently
// throttled until Reinit is called with a working device. A non-nil device
// also starts throttled, fail-safe, until its first sample succeeds.
func New(device Device, cfg Config, logger zerolog.Logger) *Guard {
	g := &Guard{cfg: cfg.withDefaults(), logger: logger, device: device}
	g.throttled.Store(true)
	if device == nil {
		g.unavailable.Store(true)
	}
	return g
}

// Reinit swaps in a new device handle, clearing the unavailable state so
// that a subsequent Run resumes polling.
func (g *Guard) Reinit(device Device) {
	g.mu.Lock()
	g.device = device
	g.mu.Unlock()
	g.unavailable.Store(device == nil)
}

// UpdateThresholds applies newly validated thresholds to a running Guard.
// Safe to call concurrently with Run/poll.
func (g *Guard) UpdateThresholds(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

func (g *Guard) configSnapshot() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// OnThrottleChange subscribes fn to throttle edge events. fn is invoked with
// the new state only when it changes, never on every poll.
func (g *Guard) OnThrottleChange(fn func(bool)) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	g.subscribers = append(g.subscribers, fn)
}

func (g *Guard) notify(state bool) {
	g.subMu.Lock()
	subs := make([]func(bool), len(g.subscribers))
	copy(subs, g.subscribers)
	g.subMu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

// CanAcceptWork reports whether new inference work may be admitted right now.
func (g *Guard) CanAcceptWork() bool {
	return !g.throttled.Load()
}

// Stats returns a lock-free snapshot of the last observed GPU state.
func (g *Guard) Stats() Stats {
	return Stats{
		UtilizationPercent: math.Float32frombits(g.utilBits.Load()),
		VRAMFreeMB:         g.vramFree.Load(),
		VRAMTotalMB:        g.vramTotal.Load(),
		Throttled:          g.throttled.Load(),
	}
}

// RecommendedLayers computes the GPU-layer offload count for a model of the
// given size.
func (g *Guard) RecommendedLayers(modelSizeMB uint64) uint32 {
	if g.unavailable.Load() {
		return 0
	}
	cfg := g.configSnapshot()
	free := g.vramFree.Load()
	headroom := cfg.VRAMHeadroomMB
	if free <= headroom {
		return 0
	}
	perLayer := modelSizeMB / uint64(cfg.AssumedModelLayers)
	if perLayer == 0 {
		perLayer = 1
	}
	layers := (free - headroom) / perLayer
	if layers > uint64(cfg.AssumedModelLayers) {
		layers = uint64(cfg.AssumedModelLayers)
	}
	return uint32(layers)
}

// Run starts the poll loop and blocks until ctx is cancelled. If no device
// is configured, it emits the single permanent throttle-on edge and returns
// only when ctx is cancelled, so callers can run it under an errgroup
// alongside the rest of the daemon.
func (g *Guard) Run(ctx context.Context) error {
	g.mu.Lock()
	device := g.device
	g.mu.Unlock()

	if device == nil {
		g.notify(true)
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if !g.poll(ctx, device) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.mu.Lock()
			current := g.device
			g.mu.Unlock()
			if current != device {
				return nil // device was swapped via Reinit; caller should Run again
			}
			if !g.poll(ctx, device) {
				return nil // sample failed: stop polling until Reinit + Run
			}
		}
	}
}

// poll takes one sample and updates throttle state. It returns false when
// the sample failed, signalling the caller to stop polling.
func (g *Guard) poll(ctx context.Context, device Device) bool {
	sample, err := device.Sample(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("gpu sample failed; throttling work")
		g.unavailable.Store(true)
		g.setThrottled(true)
		return false
	}

	g.utilBits.Store(math.Float32bits(sample.UtilizationPercent))
	g.vramFree.Store(sample.VRAMFreeMB)
	g.vramTotal.Store(sample.VRAMTotalMB)
	metrics.SetGPUStats(float64(sample.UtilizationPercent), sample.VRAMFreeMB)

	cfg := g.configSnapshot()
	high := float32(cfg.UtilHighThreshold)
	resume := float32(cfg.UtilHighThreshold - cfg.UtilResumeMargin)

	shouldThrottle := sample.UtilizationPercent > high || sample.VRAMFreeMB <= cfg.VRAMHeadroomMB
	shouldResume := sample.UtilizationPercent < resume && sample.VRAMFreeMB > cfg.VRAMHeadroomMB

	// The first successful sample resolves the fail-safe throttled state it
	// started in unconditionally; later samples only move on a hysteresis
	// edge, per the usual shouldThrottle/shouldResume gap.
	if !g.sampled.Swap(true) {
		g.setThrottled(shouldThrottle)
	} else if shouldThrottle {
		g.setThrottled(true)
	} else if shouldResume {
		g.setThrottled(false)
	}
	return true
}

// setThrottled swaps the throttle flag and notifies subscribers only on an
// edge transition.
func (g *Guard) setThrottled(next bool) {
	old := g.throttled.Swap(next)
	if old != next {
		g.notify(next)
	}
}
