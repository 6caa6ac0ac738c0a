// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dynconfig holds the subset of configuration the control
// plane may change at runtime (spec §3, DynamicConfig) behind a
// single atomic cell. C8 snapshots it once per request; C5 is the
// only writer. The swap is copy-on-write: Apply never mutates the
// struct a concurrent reader may be holding, it builds a new one and
// swaps the pointer.
package dynconfig

import (
	"sync"
	"sync/atomic"

	nodeerrors "grimm.is/aether-proxy/internal/errors"
)

// MinHeartbeatIntervalSeconds is the floor a pushed heartbeat_interval_s
// is clamped to. The source left "what happens at zero" undefined
// (SPEC_FULL §9); zero would busy-loop the heartbeat against the
// control plane, so it is clamped rather than honored.
const MinHeartbeatIntervalSeconds = 1

// Snapshot is the internally-consistent view Cell.Snapshot returns.
// Callers must treat AllowedPorts as read-only: it is shared with the
// cell's current value, never copied per-read.
type Snapshot struct {
	AllowedPorts              map[uint16]struct{}
	TimestampToleranceSeconds uint32
	HeartbeatIntervalSeconds  uint32
	LogLevel                  string
	ConfigVersion             uint64
}

// Remote is the partial update a heartbeat response may carry.
// Unset fields (nil) leave the corresponding Snapshot field
// untouched, per the "preserving unspecified fields" rule in §4.3.
type Remote struct {
	HeartbeatIntervalSeconds  *uint32
	AllowedPorts              []uint16
	TimestampToleranceSeconds *uint32
	LogLevel                  *string
}

// LevelChangeFunc is invoked, outside of the swap's critical section,
// whenever Apply accepts an update that changes LogLevel. It is the
// external log-level hot-reload hook the spec names (C-LOG).
type LevelChangeFunc func(level string)

// Cell is a many-reader/one-writer snapshot exchange.
type Cell struct {
	ptr        atomic.Pointer[Snapshot]
	writeMu    sync.Mutex // serialises Apply calls; readers never take it
	onLogLevel LevelChangeFunc
}

// New builds a Cell seeded with initial, which must already satisfy
// the non-empty-allowed-ports invariant.
func New(initial Snapshot, onLogLevel LevelChangeFunc) *Cell {
	c := &Cell{onLogLevel: onLogLevel}
	snap := initial
	snap.AllowedPorts = copyPortSet(initial.AllowedPorts)
	c.ptr.Store(&snap)
	return c
}

// Snapshot returns the current value. Safe for concurrent use; never
// blocks on a writer.
func (c *Cell) Snapshot() Snapshot {
	return *c.ptr.Load()
}

// Apply swaps in remote if version is strictly greater than the
// current config_version, returning whether it did. A version ≤ the
// current one is a silent no-op per §4.3 (the control plane may
// legitimately replay the same heartbeat response).
func (c *Cell) Apply(remote Remote, version uint64) (bool, error) {
	c.writeMu.Lock()
	current := c.ptr.Load()
	if version <= current.ConfigVersion {
		c.writeMu.Unlock()
		return false, nil
	}

	next := *current

	if remote.AllowedPorts != nil {
		if len(remote.AllowedPorts) == 0 {
			c.writeMu.Unlock()
			return false, nodeerrors.New(nodeerrors.KindValidation, "rejected config update: allowed_ports would become empty")
		}
		set := make(map[uint16]struct{}, len(remote.AllowedPorts))
		for _, p := range remote.AllowedPorts {
			set[p] = struct{}{}
		}
		next.AllowedPorts = set
	} else {
		next.AllowedPorts = current.AllowedPorts
	}

	if remote.TimestampToleranceSeconds != nil {
		next.TimestampToleranceSeconds = *remote.TimestampToleranceSeconds
	}

	if remote.HeartbeatIntervalSeconds != nil {
		interval := *remote.HeartbeatIntervalSeconds
		if interval < MinHeartbeatIntervalSeconds {
			interval = MinHeartbeatIntervalSeconds
		}
		next.HeartbeatIntervalSeconds = interval
	}

	levelChanged := false
	if remote.LogLevel != nil && *remote.LogLevel != current.LogLevel {
		next.LogLevel = *remote.LogLevel
		levelChanged = true
	}

	next.ConfigVersion = version
	c.ptr.Store(&next)
	c.writeMu.Unlock()

	if levelChanged && c.onLogLevel != nil {
		c.onLogLevel(next.LogLevel)
	}

	return true, nil
}

func copyPortSet(in map[uint16]struct{}) map[uint16]struct{} {
	out := make(map[uint16]struct{}, len(in))
	for p := range in {
		out[p] = struct{}{}
	}
	return out
}
