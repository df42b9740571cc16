// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command vibenoted runs the GPU-aware inference scheduling daemon.
//
// Exit codes: 0 normal shutdown, 1 initialisation failure (config load,
// inference server start) or any other subsystem error, 2 bind failure. A
// missing GPU handle is not a failure: the daemon runs permanently throttled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Tim-Spurlin/VibeNote/internal/config"
	"github.com/Tim-Spurlin/VibeNote/internal/daemon"
	"github.com/Tim-Spurlin/VibeNote/internal/log"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var addr string
	var showVersion bool

	root := &cobra.Command{
		Use:           "vibenoted",
		Short:         "GPU-aware local inference scheduling daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println(version)
				return nil
			}
			return runDaemon(configPath, addr)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	root.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "HTTP listen address")
	root.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	root.AddCommand(newConfigCmd())
	return root
}

func runDaemon(configPath, addr string) error {
	log.Configure(log.Config{Level: "info", Service: "vibenoted", Version: version})
	logger := log.WithComponent("daemon")

	holder, err := config.NewHolder(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load initial configuration")
		os.Exit(1)
	}
	log.Configure(log.Config{Level: holder.Get().LogLevel, Service: "vibenoted", Version: version})
	logger = log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := daemon.New(holder, nil, addr, logger)
	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(exitCodeFor(err))
	}
	return nil
}

func exitCodeFor(err error) int {
	msg := err.Error()
	if strings.Contains(msg, "bind") || strings.Contains(msg, "address already in use") {
		return 2
	}
	return 1
}
