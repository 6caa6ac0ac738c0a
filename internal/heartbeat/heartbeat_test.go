// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/aether-proxy/internal/aetherclient"
	"grimm.is/aether-proxy/internal/dynconfig"
	"grimm.is/aether-proxy/internal/nodeid"
)

func seedDyn() *dynconfig.Cell {
	return dynconfig.New(dynconfig.Snapshot{
		AllowedPorts:              map[uint16]struct{}{80: {}, 443: {}},
		TimestampToleranceSeconds: 300,
		HeartbeatIntervalSeconds:  1,
		LogLevel:                  "info",
		ConfigVersion:             1,
	}, nil)
}

// TestReRegisterRecovery implements spec §8 scenario 6: a heartbeat
// for a stale node id returns 404 once, register returns a new id,
// and the next heartbeat uses it.
func TestReRegisterRecovery(t *testing.T) {
	var heartbeatCalls atomic.Int32
	var sawOldID, sawNewID atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/nodes/register", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"node_id": "new"})
	})
	mux.HandleFunc("/nodes/old/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		heartbeatCalls.Add(1)
		sawOldID.Store(true)
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/nodes/new/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		heartbeatCalls.Add(1)
		sawNewID.Store(true)
		_ = json.NewEncoder(w).Encode(map[string]any{"config_version": 1})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := aetherclient.New(server.URL, "tok", 5*time.Second, nil)
	node := nodeid.New("old")
	dyn := seedDyn()

	loop := &Loop{
		Client: client,
		Node:   node,
		Dyn:    dyn,
		RegisterReq: func() aetherclient.RegisterRequest {
			return aetherclient.RegisterRequest{NodeName: "edge-1"}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()

	// Give the loop time to run through at least two iterations
	// (re-register on the first, a successful heartbeat with the new
	// id on the second) before shutting it down.
	time.Sleep(2200 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "new", node.Get(), "the node-id cell must hold the re-registered id")
	assert.True(t, sawOldID.Load())
	assert.True(t, sawNewID.Load(), "a heartbeat using the new id must have been observed")
}

func TestAppliesRemoteConfigOnSuccessfulHeartbeat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nodes/node-A/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		interval := uint32(5)
		_ = json.NewEncoder(w).Encode(aetherclient.HeartbeatResult{
			ConfigVersion: 2,
			RemoteConfig:  &aetherclient.RemoteConfig{HeartbeatIntervalSeconds: &interval},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := aetherclient.New(server.URL, "tok", 5*time.Second, nil)
	node := nodeid.New("node-A")
	dyn := seedDyn()

	var appliedVersions []uint64
	loop := &Loop{
		Client: client,
		Node:   node,
		Dyn:    dyn,
		RegisterReq: func() aetherclient.RegisterRequest {
			return aetherclient.RegisterRequest{NodeName: "edge-1"}
		},
		Hooks: Hooks{OnConfigApplied: func(v uint64) { appliedVersions = append(appliedVersions, v) }},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()

	time.Sleep(1300 * time.Millisecond)
	cancel()
	<-done

	snap := dyn.Snapshot()
	require.Equal(t, uint64(2), snap.ConfigVersion)
	assert.Equal(t, uint32(5), snap.HeartbeatIntervalSeconds)
	assert.Contains(t, appliedVersions, uint64(2))
}

func TestSleepOrDoneReturnsFalseOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepOrDone(ctx, time.Second))
}
