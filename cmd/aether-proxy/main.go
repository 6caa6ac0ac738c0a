// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command aether-proxy is the edge proxy node binary: it loads
// configuration, wires C1-C9 via internal/supervisor, and runs until
// an interrupt or SIGTERM arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/aether-proxy/internal/config"
	"grimm.is/aether-proxy/internal/logging"
	"grimm.is/aether-proxy/internal/supervisor"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigFileName, "Path to the node's TOML config file")
	logJSON := flag.Bool("log-json", false, "Force JSON log output regardless of config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "aether-proxy: load config:", err)
		os.Exit(1)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.Level(cfg.LogLevel)
	logCfg.JSON = cfg.LogJSON || *logJSON
	logCfg.Output = os.Stderr
	logger := logging.New(logCfg).WithComponent("aether-proxy")
	logging.SetDefault(logger)

	logger.Info("starting aether-proxy", "node_name", cfg.NodeName, "listen_port", cfg.ListenPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	node, err := supervisor.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize node", "error", err)
		os.Exit(1)
	}

	if err := node.Run(ctx); err != nil {
		logger.Error("node exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("aether-proxy exited")
}
