// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package aetherclient is the JSON-over-HTTPS client for the Aether
// control plane (spec §4.4, §6): register, heartbeat, unregister. Its
// central job is distinguishing a typed "this node is unknown to the
// control plane" business condition from an opaque transport failure,
// so the heartbeat loop can treat the two very differently.
package aetherclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	nodeerrors "grimm.is/aether-proxy/internal/errors"
	"grimm.is/aether-proxy/internal/logging"
)

// ErrNodeNotFound is the sentinel C5 checks for with errors.Is to
// decide whether to re-register. It is never raised directly; it is
// always wrapped with nodeerrors.Wrap so the chain also carries
// KindNotFound for generic callers.
var ErrNodeNotFound = errors.New("aetherclient: node not found")

// Client is a thin wrapper over *http.Client authenticated with a
// bearer management token.
type Client struct {
	baseURL         string
	managementToken string
	httpClient      *http.Client
	logger          *logging.Logger
}

// New builds a Client. timeout bounds every call per spec §4.4's
// "design recommendation: 5-10s".
func New(baseURL, managementToken string, timeout time.Duration, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:         baseURL,
		managementToken: managementToken,
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger.WithComponent("aetherclient"),
	}
}

// RegisterRequest is the body of POST /nodes/register.
type RegisterRequest struct {
	NodeName       string   `json:"node_name"`
	Region         string   `json:"region,omitempty"`
	PublicIP       string   `json:"public_ip"`
	ListenPort     uint16   `json:"listen_port"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSFingerprint string   `json:"tls_fingerprint,omitempty"`
	Capabilities   []string `json:"capabilities"`
}

type registerResponse struct {
	NodeID string `json:"node_id"`
}

// RemoteConfig is the optional policy push riding on a heartbeat
// response (spec §3, DynamicConfig's wire form). Pointer fields are
// nil when the control plane leaves that setting unspecified.
type RemoteConfig struct {
	HeartbeatIntervalSeconds  *uint32  `json:"heartbeat_interval,omitempty"`
	AllowedPorts              []uint16 `json:"allowed_ports,omitempty"`
	TimestampToleranceSeconds *uint32  `json:"timestamp_tolerance,omitempty"`
	LogLevel                  *string  `json:"log_level,omitempty"`
}

// HeartbeatResult is the decoded response body of a successful
// heartbeat call.
type HeartbeatResult struct {
	ConfigVersion uint64        `json:"config_version"`
	RemoteConfig  *RemoteConfig `json:"remote_config,omitempty"`
}

type heartbeatRequestBody struct {
	TLSFingerprint string `json:"tls_fingerprint,omitempty"`
}

// Register calls POST /nodes/register and returns the assigned node id.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (string, error) {
	var resp registerResponse
	if err := c.do(ctx, http.MethodPost, "/nodes/register", req, &resp); err != nil {
		return "", err
	}
	return resp.NodeID, nil
}

// Heartbeat calls POST /nodes/{id}/heartbeat. A 404 response is
// surfaced as ErrNodeNotFound (checkable with errors.Is); every other
// non-2xx status or transport error is wrapped as KindUnavailable.
func (c *Client) Heartbeat(ctx context.Context, nodeID, tlsFingerprint string) (*HeartbeatResult, error) {
	var result HeartbeatResult
	path := fmt.Sprintf("/nodes/%s/heartbeat", nodeID)
	body := heartbeatRequestBody{TLSFingerprint: tlsFingerprint}
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Unregister calls POST /nodes/{id}/unregister. Per spec §4.4 it is
// best-effort: the caller (C9) is expected to log the error and
// never let it block shutdown.
func (c *Client) Unregister(ctx context.Context, nodeID string) error {
	path := fmt.Sprintf("/nodes/%s/unregister", nodeID)
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	requestID := uuid.NewString()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nodeerrors.Wrap(err, nodeerrors.KindInternal, "encode request body")
		}
		reader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nodeerrors.Wrap(err, nodeerrors.KindInternal, "build control-plane request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.managementToken)
	httpReq.Header.Set("X-Request-Id", requestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("control-plane request failed", "path", path, "request_id", requestID, "error", err)
		return nodeerrors.Wrapf(err, nodeerrors.KindUnavailable, "%s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Info("control plane reports node unknown", "path", path, "request_id", requestID)
		return nodeerrors.Wrap(ErrNodeNotFound, nodeerrors.KindNotFound, "node not found")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("control-plane request rejected", "path", path, "status", resp.StatusCode, "request_id", requestID)
		return nodeerrors.Errorf(nodeerrors.KindUnavailable, "%s %s: status %d: %s", method, path, resp.StatusCode, truncate(respBody, 256))
	}

	c.logger.Debug("control-plane request succeeded", "path", path, "request_id", requestID)

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return nodeerrors.Wrap(err, nodeerrors.KindInternal, "decode control-plane response")
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
