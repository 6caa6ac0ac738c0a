// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package heartbeat implements C5, the periodic liveness beat that
// keeps a node's registration alive and pulls pushed policy into the
// dynamic config cell. The loop structure — sleep the full interval
// before the first beat, because registration already served as one —
// is grounded directly on the original implementation's
// registration/heartbeat.rs.
package heartbeat

import (
	"context"
	"errors"
	"time"

	"grimm.is/aether-proxy/internal/aetherclient"
	"grimm.is/aether-proxy/internal/dynconfig"
	"grimm.is/aether-proxy/internal/logging"
	"grimm.is/aether-proxy/internal/nodeid"
)

// Hooks lets C-MET observe loop outcomes without heartbeat importing
// the metrics package.
type Hooks struct {
	OnResult        func(result string) // "ok" | "node_not_found" | "transport_error"
	OnFailureCount  func(n uint32)
	OnConfigApplied func(version uint64)
}

// Loop runs C4.heartbeat on a timer, re-registering on NodeNotFound
// and applying any pushed config to dyn.
type Loop struct {
	Client         *aetherclient.Client
	Node           *nodeid.Cell
	Dyn            *dynconfig.Cell
	RegisterReq    func() aetherclient.RegisterRequest
	TLSFingerprint string
	Logger         *logging.Logger
	Hooks          Hooks
}

// Run blocks until ctx is canceled, implementing spec §4.5's loop
// body. It returns ctx.Err() on shutdown.
func (l *Loop) Run(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("heartbeat")

	if !sleepOrDone(ctx, l.currentInterval()) {
		logger.Debug("heartbeat loop stopping during initial wait")
		return ctx.Err()
	}

	var consecutiveFailures uint32

	for {
		currentNodeID := l.Node.Get()

		result, err := l.Client.Heartbeat(ctx, currentNodeID, l.TLSFingerprint)

		switch {
		case err == nil:
			if consecutiveFailures > 0 {
				logger.Info("heartbeat recovered", "previous_failures", consecutiveFailures)
			}
			consecutiveFailures = 0
			l.report("ok", consecutiveFailures)

			if result.RemoteConfig != nil {
				remote := toDynconfigRemote(result.RemoteConfig)
				if applied, applyErr := l.Dyn.Apply(remote, result.ConfigVersion); applyErr != nil {
					logger.Warn("rejected remote config update", "error", applyErr)
				} else if applied {
					logger.Info("applied remote config", "config_version", result.ConfigVersion)
					if l.Hooks.OnConfigApplied != nil {
						l.Hooks.OnConfigApplied(result.ConfigVersion)
					}
				}
			}

		case errors.Is(err, aetherclient.ErrNodeNotFound):
			logger.Warn("node not found, re-registering", "old_node_id", currentNodeID)
			newID, regErr := l.Client.Register(ctx, l.RegisterReq())
			if regErr == nil {
				l.Node.Set(newID)
				consecutiveFailures = 0
				logger.Info("re-registered successfully", "old_node_id", currentNodeID, "new_node_id", newID)
			} else {
				consecutiveFailures++
				logger.Error("re-registration failed", "error", regErr, "consecutive_failures", consecutiveFailures)
			}
			l.report("node_not_found", consecutiveFailures)

		default:
			consecutiveFailures++
			logger.Warn("heartbeat failed", "error", err, "consecutive_failures", consecutiveFailures)
			l.report("transport_error", consecutiveFailures)
		}

		if !sleepOrDone(ctx, l.currentInterval()) {
			logger.Debug("heartbeat loop stopping")
			return ctx.Err()
		}
	}
}

func (l *Loop) currentInterval() time.Duration {
	seconds := l.Dyn.Snapshot().HeartbeatIntervalSeconds
	if seconds < dynconfig.MinHeartbeatIntervalSeconds {
		seconds = dynconfig.MinHeartbeatIntervalSeconds
	}
	return time.Duration(seconds) * time.Second
}

func (l *Loop) report(result string, failures uint32) {
	if l.Hooks.OnResult != nil {
		l.Hooks.OnResult(result)
	}
	if l.Hooks.OnFailureCount != nil {
		l.Hooks.OnFailureCount(failures)
	}
}

// sleepOrDone waits for d or ctx cancellation, returning false if
// ctx was canceled first. This is C5's half of the cooperative
// shutdown select named in spec §5.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func toDynconfigRemote(r *aetherclient.RemoteConfig) dynconfig.Remote {
	return dynconfig.Remote{
		HeartbeatIntervalSeconds:  r.HeartbeatIntervalSeconds,
		AllowedPorts:              r.AllowedPorts,
		TimestampToleranceSeconds: r.TimestampToleranceSeconds,
		LogLevel:                  r.LogLevel,
	}
}
