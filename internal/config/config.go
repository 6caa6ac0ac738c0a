// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config builds StaticConfig, the immutable-after-startup
// configuration a proxy node needs to register with Aether and start
// serving traffic. The on-disk file format and the environment-variable
// overlay are intentionally thin: §1 of the spec names them as
// externally replaceable plumbing, so this package keeps them to a
// single Load entry point and nothing more.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	nodeerrors "grimm.is/aether-proxy/internal/errors"
)

// DefaultConfigFileName matches the original aether-proxy's own
// default, so an operator migrating from it can reuse the same file.
const DefaultConfigFileName = "aether-proxy.toml"

// StaticConfig is immutable for the lifetime of the process (spec §3).
type StaticConfig struct {
	AetherURL       string `toml:"aether_url"`
	ManagementToken string `toml:"management_token"`
	HMACKeyHex      string `toml:"hmac_key"`

	ListenPort uint16 `toml:"listen_port"`
	PublicIP   string `toml:"public_ip"`
	NodeName   string `toml:"node_name"`
	Region     string `toml:"region"`

	HeartbeatIntervalSeconds  uint32   `toml:"heartbeat_interval_seconds"`
	AllowedPorts              []uint16 `toml:"allowed_ports"`
	TimestampToleranceSeconds uint32   `toml:"timestamp_tolerance_seconds"`

	TLSEnabled  bool   `toml:"enable_tls"`
	TLSCertPath string `toml:"tls_cert"`
	TLSKeyPath  string `toml:"tls_key"`

	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`

	// AdminListen, when non-empty, is the address the Prometheus/health
	// admin server (internal/metrics) binds to. Empty disables it.
	AdminListen string `toml:"admin_listen"`

	// TrustedDNSServer, when set, is queried directly by the target
	// filter instead of the system resolver (see SPEC_FULL §3).
	TrustedDNSServer string `toml:"trusted_dns_server"`

	// IPDetectionURL is used to auto-detect the public IP when
	// PublicIP is empty.
	IPDetectionURL string `toml:"ip_detection_url"`

	ControlPlaneTimeout time.Duration `toml:"-"`
	UpstreamDialTimeout time.Duration `toml:"-"`
}

// DefaultStaticConfig returns the compiled-in defaults, the
// lowest-priority layer of the three-layer load in Load.
func DefaultStaticConfig() StaticConfig {
	return StaticConfig{
		ListenPort:                8080,
		HeartbeatIntervalSeconds:  30,
		AllowedPorts:              []uint16{80, 443, 8080, 8443},
		TimestampToleranceSeconds: 300,
		LogLevel:                  "info",
		IPDetectionURL:            "https://api.ipify.org",
		ControlPlaneTimeout:       8 * time.Second,
		UpstreamDialTimeout:       10 * time.Second,
	}
}

// Load builds a StaticConfig from, in increasing priority: compiled-in
// defaults, an optional TOML file at path, and AETHER_-prefixed
// environment variables. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (StaticConfig, error) {
	cfg := DefaultStaticConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return StaticConfig{}, nodeerrors.Wrapf(err, nodeerrors.KindValidation, "decode config file %s", path)
			}
		} else if !os.IsNotExist(err) {
			return StaticConfig{}, nodeerrors.Wrapf(err, nodeerrors.KindInternal, "stat config file %s", path)
		}
	}

	if err := envconfig.Process("aether", &cfg); err != nil {
		return StaticConfig{}, nodeerrors.Wrap(err, nodeerrors.KindValidation, "apply environment overlay")
	}

	if err := cfg.Validate(); err != nil {
		return StaticConfig{}, err
	}

	return cfg, nil
}

// Validate checks the invariants the rest of the system assumes hold
// for the lifetime of the process.
func (c StaticConfig) Validate() error {
	if c.AetherURL == "" {
		return nodeerrors.New(nodeerrors.KindValidation, "aether_url is required")
	}
	if c.ManagementToken == "" {
		return nodeerrors.New(nodeerrors.KindValidation, "management_token is required")
	}
	if _, err := c.HMACKey(); err != nil {
		return err
	}
	if c.NodeName == "" {
		return nodeerrors.New(nodeerrors.KindValidation, "node_name is required")
	}
	if c.ListenPort == 0 {
		return nodeerrors.New(nodeerrors.KindValidation, "listen_port must be nonzero")
	}
	if len(c.AllowedPorts) == 0 {
		return nodeerrors.New(nodeerrors.KindValidation, "allowed_ports must be non-empty")
	}
	if c.TLSEnabled && (c.TLSCertPath == "" || c.TLSKeyPath == "") {
		return nodeerrors.New(nodeerrors.KindValidation, "enable_tls requires tls_cert and tls_key")
	}
	return nil
}

// HMACKey decodes the configured hex-encoded HMAC key.
func (c StaticConfig) HMACKey() ([]byte, error) {
	key, err := hex.DecodeString(c.HMACKeyHex)
	if err != nil {
		return nil, nodeerrors.Wrap(err, nodeerrors.KindValidation, "hmac_key must be hex-encoded")
	}
	if len(key) < 16 {
		return nil, nodeerrors.New(nodeerrors.KindValidation, fmt.Sprintf("hmac_key must be at least 16 bytes, got %d", len(key)))
	}
	return key, nil
}

// AllowedPortSet returns the initial allowed-ports set as the form C3
// stores it in.
func (c StaticConfig) AllowedPortSet() map[uint16]struct{} {
	set := make(map[uint16]struct{}, len(c.AllowedPorts))
	for _, p := range c.AllowedPorts {
		set[p] = struct{}{}
	}
	return set
}
