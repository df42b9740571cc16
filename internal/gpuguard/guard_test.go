// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package gpuguard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDevice struct {
	mu      sync.Mutex
	samples []Sample
	errs    []error
	idx     int
}

func (d *fakeDevice) Sample(ctx context.Context) (Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.samples) {
		d.idx = len(d.samples) - 1
	}
	i := d.idx
	d.idx++
	var err error
	if i < len(d.errs) {
		err = d.errs[i]
	}
	return d.samples[i], err
}

func newFakeDevice(samples ...Sample) *fakeDevice {
	return &fakeDevice{samples: samples, errs: make([]error, len(samples))}
}

func testConfig() Config {
	return Config{UtilHighThreshold: 85, UtilResumeMargin: 10, VRAMHeadroomMB: 800, AssumedModelLayers: 32}
}

func TestNilDeviceIsPermanentlyThrottled(t *testing.T) {
	g := New(nil, testConfig(), zerolog.Nop())
	assert.False(t, g.CanAcceptWork())

	var got []bool
	var mu sync.Mutex
	g.OnThrottleChange(func(state bool) {
		mu.Lock()
		got = append(got, state)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = g.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.True(t, got[0])
}

func TestHysteresis(t *testing.T) {
	// util_high=85, margin=10, headroom=800.
	device := newFakeDevice(
		Sample{UtilizationPercent: 80, VRAMFreeMB: 2000}, // first sample resolves fail-safe: off
		Sample{UtilizationPercent: 90, VRAMFreeMB: 2000}, // throttle on (edge)
		Sample{UtilizationPercent: 80, VRAMFreeMB: 2000}, // stays on
		Sample{UtilizationPercent: 74, VRAMFreeMB: 2000}, // throttle off (edge)
		Sample{UtilizationPercent: 80, VRAMFreeMB: 700},  // throttle on (vram, edge)
	)
	g := New(device, testConfig(), zerolog.Nop())

	var edges []bool
	var mu sync.Mutex
	g.OnThrottleChange(func(state bool) {
		mu.Lock()
		edges = append(edges, state)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		ok := g.poll(context.Background(), device)
		require.True(t, ok)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, edges, 4)
	assert.Equal(t, []bool{false, true, false, true}, edges)

	want := Stats{UtilizationPercent: 80, VRAMFreeMB: 700, VRAMTotalMB: 0, Throttled: true}
	if diff := cmp.Diff(want, g.Stats()); diff != "" {
		t.Errorf("final stats snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestRecommendedLayersClampsToModelLayerCount(t *testing.T) {
	device := newFakeDevice(Sample{UtilizationPercent: 10, VRAMFreeMB: 100000, VRAMTotalMB: 100000})
	g := New(device, testConfig(), zerolog.Nop())
	require.True(t, g.poll(context.Background(), device))

	// Plenty of free VRAM: recommendation clamps at AssumedModelLayers.
	assert.Equal(t, uint32(32), g.RecommendedLayers(1000))
}

func TestRecommendedLayersZeroWhenBelowHeadroom(t *testing.T) {
	device := newFakeDevice(Sample{UtilizationPercent: 10, VRAMFreeMB: 500, VRAMTotalMB: 8000})
	g := New(device, testConfig(), zerolog.Nop())
	require.True(t, g.poll(context.Background(), device))
	assert.Equal(t, uint32(0), g.RecommendedLayers(4000))
}

func TestSampleErrorForcesThrottleAndStopsPolling(t *testing.T) {
	device := newFakeDevice(Sample{UtilizationPercent: 10, VRAMFreeMB: 5000})
	device.errs[0] = errors.New("nvml unavailable")

	g := New(device, testConfig(), zerolog.Nop())
	ok := g.poll(context.Background(), device)
	assert.False(t, ok)
	assert.False(t, g.CanAcceptWork())
	assert.Equal(t, uint32(0), g.RecommendedLayers(4000))
}

func TestReinitResumesAfterFailure(t *testing.T) {
	bad := newFakeDevice(Sample{})
	bad.errs[0] = errors.New("boom")

	g := New(bad, testConfig(), zerolog.Nop())
	require.False(t, g.poll(context.Background(), bad))
	assert.False(t, g.CanAcceptWork())

	good := newFakeDevice(Sample{UtilizationPercent: 5, VRAMFreeMB: 9000})
	g.Reinit(good)
	require.True(t, g.poll(context.Background(), good))
	assert.True(t, g.CanAcceptWork())
}
