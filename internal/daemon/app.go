// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package daemon wires GpuGuard, TaskQueue, InferenceClient, and the HTTP
// surface into the running process and owns the signal/reload lifecycle.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tim-Spurlin/VibeNote/internal/config"
	"github.com/Tim-Spurlin/VibeNote/internal/gpuguard"
	"github.com/Tim-Spurlin/VibeNote/internal/httpapi"
	"github.com/Tim-Spurlin/VibeNote/internal/inference"
	"github.com/Tim-Spurlin/VibeNote/internal/queue"
	"github.com/Tim-Spurlin/VibeNote/internal/watchmode"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	dispatcherWorkers = 4
	requestTimeout    = 2 * time.Minute
)

// App owns every long-lived subsystem for one run of the daemon.
type App struct {
	logger    zerolog.Logger
	cfgHolder *config.Holder
	guard     *gpuguard.Guard
	queue     *queue.TaskQueue
	client    *inference.Client
	watch     *watchmode.Producer
	server    *httpapi.Server
	addr      string
}

// New builds an App from a GPU device handle and a listen address. device
// may be nil, in which case the guard starts permanently throttled.
func New(cfgHolder *config.Holder, device gpuguard.Device, addr string, logger zerolog.Logger) *App {
	cfg := cfgHolder.Get()

	guard := gpuguard.New(device, gpuguard.Config{
		UtilHighThreshold:  cfg.GPU.UtilHighThreshold,
		UtilResumeMargin:   cfg.GPU.UtilResumeMargin,
		VRAMHeadroomMB:     cfg.GPU.VRAMHeadroomMB,
		AssumedModelLayers: cfg.GPU.AssumedModelLayers,
	}, logger.With().Str("component", "gpuguard").Logger())

	q := queue.New(guard, queue.Config{
		Capacity:    cfg.Queue.Capacity,
		ClassLimits: toQueueClassLimits(cfg.Queue.ClassLimits),
	}, logger.With().Str("component", "queue").Logger())

	client := inference.New(inference.Config{
		Host:         cfg.Inference.Host,
		Port:         cfg.Inference.Port,
		ServerBinary: cfg.Inference.ServerBinary,
		ModelPath:    cfg.Inference.ModelPath,
		ExtraArgs:    cfg.Inference.ExtraArgs,
	}, logger.With().Str("component", "inference").Logger())

	watch := watchmode.New(q, time.Duration(cfg.Watch.IntervalSeconds)*time.Second, nil,
		logger.With().Str("component", "watchmode").Logger())

	a := &App{
		logger:    logger,
		cfgHolder: cfgHolder,
		guard:     guard,
		queue:     q,
		client:    client,
		watch:     watch,
		addr:      addr,
	}

	handlers := httpapi.NewHandlers(context.Background(), q, guard, cfgHolder, watch, logger.With().Str("component", "http").Logger())
	a.server = httpapi.NewServer(addr, httpapi.NewRouter(handlers), logger.With().Str("component", "http").Logger())
	return a
}

func toQueueClassLimits(in map[string]int) map[queue.Class]int {
	out := make(map[queue.Class]int, len(in))
	for name, limit := range in {
		switch name {
		case "interactive":
			out[queue.ClassInteractive] = limit
		case "watch":
			out[queue.ClassWatch] = limit
		case "export":
			out[queue.ClassExport] = limit
		}
	}
	return out
}

// Run starts every subsystem and blocks until ctx is cancelled or a fatal
// error occurs in any of them.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgHolder.Get()

	layers := a.guard.RecommendedLayers(modelSizeEstimateMB(cfg.Inference.ModelPath))
	if err := a.client.Start(ctx, int(layers)); err != nil {
		return err
	}
	if cfg.Watch.Enabled {
		a.watch.Start(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.guard.Run(ctx) })
	g.Go(func() error { return a.client.Run(ctx) })
	g.Go(func() error { return a.server.Run(ctx) })

	for i := 0; i < dispatcherWorkers; i++ {
		d := NewDispatcher(a.queue, a.client, requestTimeout, a.logger.With().Str("component", "dispatcher").Logger())
		g.Go(func() error { return d.Run(ctx) })
	}

	if err := a.cfgHolder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("failed to start config file watcher")
	}

	snapshots := make(chan *config.Snapshot, 1)
	a.cfgHolder.RegisterListener(snapshots)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap := <-snapshots:
				a.applySnapshot(snap)
			}
		}
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				if err := a.cfgHolder.Reload(reloadCtx); err != nil {
					a.logger.Warn().Err(err).Msg("config reload via SIGHUP failed")
				}
				cancel()
			}
		}
	})

	return g.Wait()
}

// applySnapshot propagates a newly validated config to every running
// subsystem: GpuGuard thresholds, TaskQueue capacity/class limits, and the
// InferenceClient endpoint (which reconnects only if the address actually
// changed). Watch interval/enabled still only take effect on the next
// restart, since toggling the watch-mode ticker interval out from under a
// running Producer has no equivalent in watchmode.Producer's API.
func (a *App) applySnapshot(snap *config.Snapshot) {
	if snap == nil {
		return
	}
	cfg := snap.Config

	a.guard.UpdateThresholds(gpuguard.Config{
		UtilHighThreshold:  cfg.GPU.UtilHighThreshold,
		UtilResumeMargin:   cfg.GPU.UtilResumeMargin,
		VRAMHeadroomMB:     cfg.GPU.VRAMHeadroomMB,
		AssumedModelLayers: cfg.GPU.AssumedModelLayers,
	})
	a.queue.UpdateConfig(queue.Config{
		Capacity:    cfg.Queue.Capacity,
		ClassLimits: toQueueClassLimits(cfg.Queue.ClassLimits),
	})
	a.client.SetEndpoint(cfg.Inference.Host, cfg.Inference.Port)

	a.logger.Info().Uint64("epoch", snap.Epoch).Msg("applied config snapshot")
}

// modelSizeEstimateMB is a placeholder until model metadata is read
// directly; see the open question on recommended_layers in DESIGN.md.
func modelSizeEstimateMB(modelPath string) uint64 {
	if modelPath == "" {
		return 0
	}
	info, err := os.Stat(modelPath)
	if err != nil {
		return 0
	}
	return uint64(info.Size()) / (1024 * 1024)
}
