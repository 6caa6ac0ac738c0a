// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package aetherclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterReturnsNodeID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/nodes/register", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		_ = json.NewEncoder(w).Encode(registerResponse{NodeID: "node-A"})
	}))
	defer server.Close()

	c := New(server.URL, "tok", 5*time.Second, nil)
	id, err := c.Register(context.Background(), RegisterRequest{NodeName: "edge-1"})
	require.NoError(t, err)
	assert.Equal(t, "node-A", id)
}

func TestHeartbeatReturnsRemoteConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/nodes/node-A/heartbeat", r.URL.Path)
		interval := uint32(60)
		_ = json.NewEncoder(w).Encode(HeartbeatResult{
			ConfigVersion: 7,
			RemoteConfig:  &RemoteConfig{HeartbeatIntervalSeconds: &interval},
		})
	}))
	defer server.Close()

	c := New(server.URL, "tok", 5*time.Second, nil)
	result, err := c.Heartbeat(context.Background(), "node-A", "fingerprint")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), result.ConfigVersion)
	require.NotNil(t, result.RemoteConfig.HeartbeatIntervalSeconds)
	assert.Equal(t, uint32(60), *result.RemoteConfig.HeartbeatIntervalSeconds)
}

func TestHeartbeat404IsTypedNodeNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(server.URL, "tok", 5*time.Second, nil)
	_, err := c.Heartbeat(context.Background(), "stale-id", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}

func TestHeartbeatServerErrorIsNotNodeNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	c := New(server.URL, "tok", 5*time.Second, nil)
	_, err := c.Heartbeat(context.Background(), "node-A", "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNodeNotFound), "a 500 is a transport failure, not a business NodeNotFound condition")
}

func TestUnregisterIsBestEffort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/nodes/node-A/unregister", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := New(server.URL, "tok", 5*time.Second, nil)
	err := c.Unregister(context.Background(), "node-A")
	require.NoError(t, err)
}

func TestTransportFailureIsNotNodeNotFound(t *testing.T) {
	c := New("http://127.0.0.1:1", "tok", 200*time.Millisecond, nil)
	_, err := c.Heartbeat(context.Background(), "node-A", "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNodeNotFound))
}
