// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Tim-Spurlin/VibeNote/internal/config"
	"github.com/Tim-Spurlin/VibeNote/internal/gpuguard"
	"github.com/Tim-Spurlin/VibeNote/internal/queue"
	"github.com/Tim-Spurlin/VibeNote/internal/watchmode"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestHandlers(t *testing.T) (*Handlers, *queue.TaskQueue) {
	t.Helper()
	holder, err := config.NewHolder(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	guard := gpuguard.New(nil, gpuguard.Config{}, zerolog.Nop())
	q := queue.New(guard, queue.Config{Capacity: 4}, zerolog.Nop())
	watch := watchmode.New(q, time.Hour, nil, zerolog.Nop())

	return NewHandlers(context.Background(), q, guard, holder, watch, zerolog.Nop()), q
}

func TestHandleStatusReportsQueueDepthAndWatch(t *testing.T) {
	h, q := newTestHandlers(t)
	outcome := q.Enqueue(queue.Task{Class: queue.ClassWatch, Priority: queue.PriorityLow})
	require.True(t, outcome.Admitted)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	h.handleStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.QueueDepth)
	assert.False(t, body.Watch)
}

func TestHandleSummarizeRejectsEmptyPrompt(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/summarize", strings.NewReader(`{"prompt":""}`))
	rec := httptest.NewRecorder()
	h.handleSummarize(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSummarizeRejectsWhenQueueFull(t *testing.T) {
	holder, err := config.NewHolder(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	guard := gpuguard.New(nil, gpuguard.Config{}, zerolog.Nop())
	// Guard has no device, so it is permanently throttled: dispatch never
	// drains, making capacity exhaustion deterministic in this test.
	q := queue.New(guard, queue.Config{Capacity: 1, ClassLimits: map[queue.Class]int{queue.ClassInteractive: 1}}, zerolog.Nop())
	watch := watchmode.New(q, time.Hour, nil, zerolog.Nop())
	h := NewHandlers(context.Background(), q, guard, holder, watch, zerolog.Nop())

	outcome := q.Enqueue(queue.Task{Class: queue.ClassInteractive, Priority: queue.PriorityNormal})
	require.True(t, outcome.Admitted)

	req := httptest.NewRequest(http.MethodPost, "/v1/summarize", strings.NewReader(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	h.handleSummarize(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestHandleWatchStartStopTogglesStatus(t *testing.T) {
	h, _ := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.handleWatchStart(rec, httptest.NewRequest(http.MethodPost, "/v1/watch/start", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.watch.Enabled())

	rec = httptest.NewRecorder()
	h.handleWatchStop(rec, httptest.NewRequest(http.MethodPost, "/v1/watch/stop", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, h.watch.Enabled())
}

func TestHandlePutConfigRejectsInvalidDelta(t *testing.T) {
	h, _ := newTestHandlers(t)
	body := `{"inference_port": 99999}`
	req := httptest.NewRequest(http.MethodPut, "/v1/config", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handlePutConfig(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePutConfigAppliesValidDelta(t *testing.T) {
	h, _ := newTestHandlers(t)
	body := `{"log_level": "debug"}`
	req := httptest.NewRequest(http.MethodPut, "/v1/config", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handlePutConfig(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "debug", h.cfgHolder.Get().LogLevel)
}
