// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	fc, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, FileConfig{}, fc)
}

func TestLoadEmptyPathReturnsZeroValue(t *testing.T) {
	fc, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, FileConfig{}, fc)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	fc := FileConfig{
		LogLevel: "debug",
		Queue:    QueueConfig{Capacity: 64, ClassLimits: map[string]int{"interactive": 3}},
	}

	require.NoError(t, Save(path, fc))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, fc.LogLevel, loaded.LogLevel)
	assert.Equal(t, fc.Queue.Capacity, loaded.Queue.Capacity)
	assert.Equal(t, fc.Queue.ClassLimits, loaded.Queue.ClassLimits)
}
