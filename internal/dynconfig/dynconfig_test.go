// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dynconfig

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSnapshot() Snapshot {
	return Snapshot{
		AllowedPorts:              map[uint16]struct{}{80: {}, 443: {}},
		TimestampToleranceSeconds: 300,
		HeartbeatIntervalSeconds:  30,
		LogLevel:                  "info",
		ConfigVersion:             1,
	}
}

func u32(v uint32) *uint32 { return &v }
func str(v string) *string { return &v }

func TestApplyAcceptsHigherVersion(t *testing.T) {
	c := New(seedSnapshot(), nil)

	applied, err := c.Apply(Remote{HeartbeatIntervalSeconds: u32(60)}, 2)
	require.NoError(t, err)
	assert.True(t, applied)

	snap := c.Snapshot()
	assert.Equal(t, uint32(60), snap.HeartbeatIntervalSeconds)
	assert.Equal(t, uint64(2), snap.ConfigVersion)
	// Unspecified fields survive the update untouched.
	assert.Equal(t, uint32(300), snap.TimestampToleranceSeconds)
}

func TestApplyRejectsLowerOrEqualVersion(t *testing.T) {
	c := New(seedSnapshot(), nil)

	applied, err := c.Apply(Remote{HeartbeatIntervalSeconds: u32(999)}, 1)
	require.NoError(t, err)
	assert.False(t, applied, "version equal to current must be a no-op")

	applied, err = c.Apply(Remote{HeartbeatIntervalSeconds: u32(999)}, 0)
	require.NoError(t, err)
	assert.False(t, applied)

	snap := c.Snapshot()
	assert.Equal(t, uint32(30), snap.HeartbeatIntervalSeconds, "rejected update must leave the live value alone")
}

func TestApplyRejectsEmptyAllowedPorts(t *testing.T) {
	c := New(seedSnapshot(), nil)

	applied, err := c.Apply(Remote{AllowedPorts: []uint16{}}, 2)
	require.Error(t, err)
	assert.False(t, applied)

	snap := c.Snapshot()
	assert.Len(t, snap.AllowedPorts, 2, "the existing non-empty set must be preserved")
	assert.Equal(t, uint64(1), snap.ConfigVersion, "a rejected update must not bump config_version")
}

func TestApplyClampsHeartbeatIntervalToMinimum(t *testing.T) {
	c := New(seedSnapshot(), nil)

	applied, err := c.Apply(Remote{HeartbeatIntervalSeconds: u32(0)}, 2)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.GreaterOrEqual(t, c.Snapshot().HeartbeatIntervalSeconds, uint32(MinHeartbeatIntervalSeconds))
}

func TestApplyInvokesLogLevelCallbackOnlyOnChange(t *testing.T) {
	var calls []string
	c := New(seedSnapshot(), func(level string) { calls = append(calls, level) })

	applied, err := c.Apply(Remote{LogLevel: str("info")}, 2)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Empty(t, calls, "setting the same level should not fire the callback")

	applied, err = c.Apply(Remote{LogLevel: str("debug")}, 3)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, []string{"debug"}, calls)
}

func TestConfigMonotonicity(t *testing.T) {
	c := New(seedSnapshot(), nil)

	_, err := c.Apply(Remote{HeartbeatIntervalSeconds: u32(45)}, 5)
	require.NoError(t, err)
	_, err = c.Apply(Remote{HeartbeatIntervalSeconds: u32(999)}, 3)
	require.NoError(t, err)

	assert.Equal(t, uint32(45), c.Snapshot().HeartbeatIntervalSeconds, "a lower version applied after a higher one must not regress state")
}

func TestSnapshotConsistencyUnderConcurrentWrites(t *testing.T) {
	c := New(seedSnapshot(), nil)

	var wg sync.WaitGroup
	for v := uint64(2); v <= 50; v++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			_, _ = c.Apply(Remote{HeartbeatIntervalSeconds: u32(uint32(v))}, v)
		}(v)
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, uint64(50), snap.ConfigVersion)
	assert.Equal(t, uint32(50), snap.HeartbeatIntervalSeconds, "the highest-version write must win regardless of goroutine scheduling order")
}
