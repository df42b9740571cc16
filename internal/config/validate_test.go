// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"testing"

	"github.com/Tim-Spurlin/VibeNote/internal/validate"
	"github.com/stretchr/testify/assert"
)

func validConfig() AppConfig {
	return ApplyDefaults(FileConfig{})
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidateRejectsUnknownClass(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.ClassLimits = map[string]int{"bogus": 1}
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsNegativeClassLimit(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.ClassLimits = map[string]int{"interactive": -1}
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsResumeMarginAboveUtilHigh(t *testing.T) {
	cfg := validConfig()
	cfg.GPU.UtilHighThreshold = 50
	cfg.GPU.UtilResumeMargin = 60
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := validConfig()
	cfg.Inference.Port = 70000
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	assert.Error(t, Validate(cfg))
}

func TestValidateAccumulatesMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Inference.Port = -1
	cfg.Watch.IntervalSeconds = 0
	err := Validate(cfg)
	verr, ok := err.(validate.ValidationError)
	a := assert.New(t)
	a.True(ok)
	a.GreaterOrEqual(len(verr.Errors()), 2)
}
