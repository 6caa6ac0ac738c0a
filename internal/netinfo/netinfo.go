// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package netinfo detects the node's own public IP address when the
// operator hasn't pinned one, grounded on the original implementation's
// main.rs: config.public_ip wins if set, otherwise a single outbound
// GET against a detection URL runs once at startup.
package netinfo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DetectPublicIP issues a single GET against detectionURL and returns
// the trimmed response body as the node's public IP.
func DetectPublicIP(ctx context.Context, client *http.Client, detectionURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, detectionURL, nil)
	if err != nil {
		return "", fmt.Errorf("build public IP detection request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("detect public IP via %s: %w", detectionURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public IP detection at %s returned status %d", detectionURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read public IP detection response: %w", err)
	}

	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", fmt.Errorf("public IP detection at %s returned an empty body", detectionURL)
	}
	return ip, nil
}
