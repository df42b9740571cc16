// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package watchmode stands in for the out-of-scope screen-capture/OCR
// enrichment pipeline: while enabled, on every tick it enqueues a Low
// priority, Watch class task so the core scheduler has a steady background
// workload to admit and dispatch. A tick whose prompt is empty (including
// every tick when no PromptFunc is set) enqueues nothing.
package watchmode

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tim-Spurlin/VibeNote/internal/queue"
	"github.com/rs/zerolog"
)

// PromptFunc supplies the prompt text for the next watch-mode task (e.g. the
// latest captured+OCR'd screen content). Out-of-scope capture/OCR is
// injected here rather than modeled.
type PromptFunc func() string

// Producer toggles a ticker-driven enqueue loop on and off.
type Producer struct {
	queue    *queue.TaskQueue
	prompt   PromptFunc
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	enabled atomic.Bool
}

// New creates a Producer bound to q. It does not start enqueuing until
// Start is called.
func New(q *queue.TaskQueue, interval time.Duration, prompt PromptFunc, logger zerolog.Logger) *Producer {
	return &Producer{queue: q, interval: interval, prompt: prompt, logger: logger}
}

// Enabled reports whether the producer is currently running.
func (p *Producer) Enabled() bool {
	return p.enabled.Load()
}

// Start begins the enqueue loop under ctx. Calling Start while already
// running is a no-op.
func (p *Producer) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.enabled.Store(true)

	go p.run(loopCtx)
}

// Stop halts the enqueue loop. Calling Stop while not running is a no-op.
func (p *Producer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.enabled.Store(false)
}

func (p *Producer) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.enabled.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prompt := ""
			if p.prompt != nil {
				prompt = p.prompt()
			}
			if prompt == "" {
				continue
			}
			outcome := p.queue.Enqueue(queue.Task{
				Class:    queue.ClassWatch,
				Priority: queue.PriorityLow,
				Prompt:   prompt,
			})
			if !outcome.Admitted {
				p.logger.Debug().Str("reason", string(outcome.Reason)).Msg("watch-mode task rejected")
			}
		}
	}
}
