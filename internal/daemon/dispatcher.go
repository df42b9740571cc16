// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"time"

	"github.com/Tim-Spurlin/VibeNote/internal/inference"
	"github.com/Tim-Spurlin/VibeNote/internal/queue"
	"github.com/rs/zerolog"
)

const (
	dequeuePollInterval = 250 * time.Millisecond
	cancelPollInterval  = 100 * time.Millisecond
)

// Dispatcher bridges the TaskQueue and the InferenceClient. It pulls ready
// tasks, starts a streamed completion, and delivers exactly one terminal per
// task. Cancellation while queued or immediately after dispatch is already
// terminated by TaskQueue.Cancel; a Dispatcher only needs to forward the
// upstream stop and release the running slot in that case.
type Dispatcher struct {
	queue          *queue.TaskQueue
	client         *inference.Client
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// NewDispatcher builds a worker bound to q and client. Callers typically run
// several Dispatchers over the same queue and client to service tasks
// concurrently.
func NewDispatcher(q *queue.TaskQueue, client *inference.Client, requestTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{queue: q, client: client, requestTimeout: requestTimeout, logger: logger}
}

// Run pulls and services tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, ok := d.queue.DequeueWithTimeout(dequeuePollInterval)
		if !ok {
			continue
		}
		d.service(task)
	}
}

func toInferenceParams(p queue.Params) inference.Params {
	return inference.Params{Temperature: p.Temperature, MaxTokens: p.MaxTokens, Stop: p.Stop}
}

func (d *Dispatcher) service(task queue.Task) {
	doneCh := make(chan error, 1)
	requestID, err := d.client.StreamCompletion(task.Prompt, toInferenceParams(task.Params),
		func(tok string) {
			if task.Cancel != nil && task.Cancel.Cancelled() {
				return
			}
			if task.OnToken != nil {
				task.OnToken(tok)
			}
		},
		func(err error) { doneCh <- err },
	)
	if err != nil {
		d.logger.Warn().Err(err).Uint64("task_id", task.ID).Msg("inference request failed to start")
		d.finish(task, queue.TerminalTimeout)
		return
	}

	deadline := time.NewTimer(d.requestTimeout)
	defer deadline.Stop()
	cancelTicker := time.NewTicker(cancelPollInterval)
	defer cancelTicker.Stop()

	for {
		select {
		case err := <-doneCh:
			terminal := queue.TerminalFinished
			if err != nil {
				terminal = queue.TerminalTimeout
			}
			// If Cancel already fired, TaskQueue.Finish discards this
			// terminal in favour of the TerminalCancelled already sent.
			d.finish(task, terminal)
			return

		case <-cancelTicker.C:
			if task.Cancel == nil || !task.Cancel.Cancelled() {
				continue
			}
			_ = d.client.Stop(requestID)
			d.finish(task, queue.TerminalCancelled)
			return

		case <-deadline.C:
			_ = d.client.Stop(requestID)
			d.finish(task, queue.TerminalTimeout)
			return
		}
	}
}

// finish hands the outcome to TaskQueue.Finish, which owns exactly-once
// terminal delivery (Cancel may have already raced ahead and delivered
// TerminalCancelled for the same task).
func (d *Dispatcher) finish(task queue.Task, terminal queue.Terminal) {
	d.queue.Finish(task.ID, terminal)
}
