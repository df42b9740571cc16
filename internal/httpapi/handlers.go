// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Tim-Spurlin/VibeNote/internal/config"
	"github.com/Tim-Spurlin/VibeNote/internal/gpuguard"
	"github.com/Tim-Spurlin/VibeNote/internal/queue"
	"github.com/Tim-Spurlin/VibeNote/internal/watchmode"
	"github.com/rs/zerolog"
)

// Handlers holds the components the HTTP surface delegates to. baseCtx
// governs the lifetime of background work started from a request (the
// watch-mode producer), independent of any single request's context.
type Handlers struct {
	baseCtx   context.Context
	queue     *queue.TaskQueue
	guard     *gpuguard.Guard
	cfgHolder *config.Holder
	watch     *watchmode.Producer
	logger    zerolog.Logger
}

// NewHandlers builds the handler set bound to the daemon's running components.
func NewHandlers(baseCtx context.Context, q *queue.TaskQueue, guard *gpuguard.Guard, cfgHolder *config.Holder, watch *watchmode.Producer, logger zerolog.Logger) *Handlers {
	return &Handlers{baseCtx: baseCtx, queue: q, guard: guard, cfgHolder: cfgHolder, watch: watch, logger: logger}
}

type statusGPU struct {
	UtilizationPercent float32 `json:"utilization"`
	MemoryUsedMB       uint64  `json:"memoryUsed"`
}

type statusResponse struct {
	QueueDepth int       `json:"queueDepth"`
	GPU        statusGPU `json:"gpu"`
	Model      string    `json:"model"`
	Watch      bool      `json:"watch"`
}

func (h *Handlers) buildStatus() statusResponse {
	stats := h.queue.Stats()
	depth := 0
	for _, n := range stats.QueuedByPriority {
		depth += n
	}
	gs := h.guard.Stats()
	memUsed := uint64(0)
	if gs.VRAMTotalMB > gs.VRAMFreeMB {
		memUsed = gs.VRAMTotalMB - gs.VRAMFreeMB
	}
	return statusResponse{
		QueueDepth: depth,
		GPU: statusGPU{
			UtilizationPercent: gs.UtilizationPercent,
			MemoryUsedMB:       memUsed,
		},
		Model: h.cfgHolder.Get().Inference.ModelPath,
		Watch: h.watch.Enabled(),
	}
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.buildStatus())
}

type summarizeParams struct {
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

type summarizeRequest struct {
	Prompt string           `json:"prompt"`
	Params *summarizeParams `json:"params"`
}

func (p *summarizeParams) toQueueParams() queue.Params {
	if p == nil {
		return queue.Params{}
	}
	var qp queue.Params
	if p.Temperature != nil {
		qp.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		qp.MaxTokens = *p.MaxTokens
	}
	qp.Stop = p.Stop
	return qp
}

type summarizeEvent struct {
	token    string
	terminal *queue.Terminal
}

// handleSummarize admits the prompt as a Normal-priority Interactive task
// and streams generated tokens back as they arrive. The request context
// cancelling (client disconnect) cancels the in-flight generation.
func (h *Handlers) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, problemMalformed(err.Error()))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeProblem(w, r, problemMalformed("prompt must not be empty"))
		return
	}

	events := make(chan summarizeEvent, 64)
	cancel := &queue.CancelSignal{}

	task := queue.Task{
		Class:    queue.ClassInteractive,
		Priority: queue.PriorityNormal,
		Prompt:   req.Prompt,
		Params:   req.Params.toQueueParams(),
		Cancel:   cancel,
		OnToken: func(tok string) {
			events <- summarizeEvent{token: tok}
		},
		OnTerminal: func(t queue.Terminal) {
			events <- summarizeEvent{terminal: &t}
		},
	}

	outcome := h.queue.Enqueue(task)
	if !outcome.Admitted {
		writeProblem(w, r, problemAdmissionRejected(string(outcome.Reason)))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			cancel.Cancel()
			return
		case ev := <-events:
			if ev.terminal != nil {
				return
			}
			fmt.Fprint(w, ev.token)
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

func (h *Handlers) handleWatchStart(w http.ResponseWriter, r *http.Request) {
	h.watch.Start(h.baseCtx)
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) handleWatchStop(w http.ResponseWriter, r *http.Request) {
	h.watch.Stop()
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var delta config.Delta
	if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
		writeProblem(w, r, problemMalformed(err.Error()))
		return
	}
	if err := h.cfgHolder.Apply(delta); err != nil {
		writeProblem(w, r, problemConfigInvalid(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
}
