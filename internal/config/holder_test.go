// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeFile(t *testing.T, path string, fc FileConfig) {
	t.Helper()
	data, err := yaml.Marshal(fc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestNewHolderAppliesDefaultsWhenFileMissing(t *testing.T) {
	h, err := NewHolder("")
	require.NoError(t, err)
	cfg := h.Get()
	assert.Equal(t, 128, cfg.Queue.Capacity)
	assert.Equal(t, "127.0.0.1", cfg.Inference.Host)
}

func TestNewHolderRejectsInvalidInitialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, FileConfig{GPU: GPUConfig{UtilHighThreshold: 500}})

	_, err := NewHolder(path)
	assert.Error(t, err)
}

func TestApplyAtomicallyRejectsWholeDeltaOnAnyFieldFailure(t *testing.T) {
	h, err := NewHolder("")
	require.NoError(t, err)
	before := h.Current().Epoch

	badPort := 70000
	goodHost := "10.0.0.5"
	err = h.Apply(Delta{InferenceHost: &goodHost, InferencePort: &badPort})
	assert.Error(t, err)

	after := h.Current()
	assert.Equal(t, before, after.Epoch, "a rejected delta must not advance the epoch")
	assert.Equal(t, "127.0.0.1", after.Config.Inference.Host, "a rejected delta must leave the old value in place")
}

func TestApplyMergesOnlyProvidedFields(t *testing.T) {
	h, err := NewHolder("")
	require.NoError(t, err)

	newCapacity := 256
	err = h.Apply(Delta{QueueCapacity: &newCapacity})
	require.NoError(t, err)

	cfg := h.Get()
	assert.Equal(t, 256, cfg.Queue.Capacity)
	assert.Equal(t, "127.0.0.1", cfg.Inference.Host, "fields absent from the delta must be untouched")
}

func TestReloadKeepsOldConfigOnValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, FileConfig{Inference: InferenceConfig{Host: "good", Port: 9000}})

	h, err := NewHolder(path)
	require.NoError(t, err)
	require.Equal(t, "good", h.Get().Inference.Host)

	writeFile(t, path, FileConfig{Inference: InferenceConfig{Host: "bad", Port: -1}})
	err = h.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "good", h.Get().Inference.Host)
}

func TestStartWatcherReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, FileConfig{Inference: InferenceConfig{Host: "first", Port: 9000}})

	h, err := NewHolder(path)
	require.NoError(t, err)

	ch := make(chan *Snapshot, 4)
	h.RegisterListener(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.StartWatcher(ctx))

	// Nothing needs draining: NewHolder stores its snapshot before any
	// listener attaches, so the channel only observes the reload below.
	writeFile(t, path, FileConfig{Inference: InferenceConfig{Host: "second", Port: 9001}})

	select {
	case snap := <-ch:
		assert.Equal(t, "second", snap.Config.Inference.Host)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher-triggered reload")
	}
}
