// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package supervisor implements C9: it composes C1–C8 under one
// shared shutdown context. Startup order is grounded on the original
// implementation's main.rs — resolve the public IP, compute the TLS
// fingerprint once, seed the dynamic config cell from the static
// config, register, then run the heartbeat loop and the proxy server
// side by side until shutdown, unregistering best-effort on the way
// out.
package supervisor

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"grimm.is/aether-proxy/internal/aetherclient"
	"grimm.is/aether-proxy/internal/config"
	"grimm.is/aether-proxy/internal/dynconfig"
	"grimm.is/aether-proxy/internal/heartbeat"
	"grimm.is/aether-proxy/internal/logging"
	"grimm.is/aether-proxy/internal/metrics"
	"grimm.is/aether-proxy/internal/netinfo"
	"grimm.is/aether-proxy/internal/nodeid"
	"grimm.is/aether-proxy/internal/proxy"
	"grimm.is/aether-proxy/internal/reqauth"
	"grimm.is/aether-proxy/internal/targetfilter"
)

// Node owns every long-running component and the node identity they
// share.
type Node struct {
	cfg    config.StaticConfig
	logger *logging.Logger

	client       *aetherclient.Client
	node         *nodeid.Cell
	dyn          *dynconfig.Cell
	collector    *metrics.Collector
	proxy        *proxy.Server
	heartbeat    *heartbeat.Loop
	adminSrv     *metrics.AdminServer
	publicIP     string
	tlsFinger    string
	capabilities []string
}

// New wires every component from cfg but does not register with the
// control plane or bind any listener yet; call Run for that.
func New(ctx context.Context, cfg config.StaticConfig, logger *logging.Logger) (*Node, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger.SetLevel(logging.Level(cfg.LogLevel))

	hmacKey, err := cfg.HMACKey()
	if err != nil {
		return nil, err
	}
	signingKey, _, err := reqauth.DeriveKeys(hmacKey)
	if err != nil {
		return nil, fmt.Errorf("derive request-signing key: %w", err)
	}

	publicIP := cfg.PublicIP
	if publicIP == "" {
		detectCtx, cancel := context.WithTimeout(ctx, cfg.ControlPlaneTimeout)
		defer cancel()
		publicIP, err = netinfo.DetectPublicIP(detectCtx, &http.Client{Timeout: cfg.ControlPlaneTimeout}, cfg.IPDetectionURL)
		if err != nil {
			return nil, fmt.Errorf("detect public IP: %w", err)
		}
		logger.Info("detected public IP", "public_ip", publicIP)
	}

	tlsFinger, err := computeTLSFingerprint(cfg)
	if err != nil {
		return nil, fmt.Errorf("compute TLS fingerprint: %w", err)
	}

	var filter *targetfilter.Filter
	if cfg.TrustedDNSServer != "" {
		filter = targetfilter.NewTrusted(cfg.TrustedDNSServer)
	} else {
		filter = targetfilter.New()
	}

	client := aetherclient.New(cfg.AetherURL, cfg.ManagementToken, cfg.ControlPlaneTimeout, logger)
	node := nodeid.New("")
	collector := metrics.New()

	dyn := dynconfig.New(dynconfig.Snapshot{
		AllowedPorts:              cfg.AllowedPortSet(),
		TimestampToleranceSeconds: cfg.TimestampToleranceSeconds,
		HeartbeatIntervalSeconds:  cfg.HeartbeatIntervalSeconds,
		LogLevel:                  cfg.LogLevel,
		ConfigVersion:             0,
	}, func(level string) {
		logger.SetLevel(logging.Level(level))
	})

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		client:    client,
		node:      node,
		dyn:       dyn,
		collector: collector,
		publicIP:  publicIP,
		tlsFinger: tlsFinger,
	}

	n.proxy = &proxy.Server{
		ListenPort:          cfg.ListenPort,
		Dyn:                 dyn,
		Node:                node,
		Auth:                reqauth.New(signingKey),
		Filter:              filter,
		Logger:              logger,
		ConnectDialTimeout:  cfg.UpstreamDialTimeout,
		UpstreamDialTimeout: cfg.UpstreamDialTimeout,
		Hooks: proxy.Hooks{
			OnRequest:     collector.ObserveRequest,
			OnTunnelBytes: collector.ObserveTunnelBytes,
		},
	}

	n.heartbeat = &heartbeat.Loop{
		Client:         client,
		Node:           node,
		Dyn:            dyn,
		RegisterReq:    n.registerRequest,
		TLSFingerprint: tlsFinger,
		Logger:         logger,
		Hooks: heartbeat.Hooks{
			OnResult:        collector.ObserveHeartbeat,
			OnFailureCount:  collector.SetConsecutiveFailures,
			OnConfigApplied: collector.SetConfigVersion,
		},
	}

	if cfg.AdminListen != "" {
		n.adminSrv = &metrics.AdminServer{Addr: cfg.AdminListen, Collector: collector, Node: node, Logger: logger}
	}

	return n, nil
}

func (n *Node) registerRequest() aetherclient.RegisterRequest {
	return aetherclient.RegisterRequest{
		NodeName:       n.cfg.NodeName,
		Region:         n.cfg.Region,
		PublicIP:       n.publicIP,
		ListenPort:     n.cfg.ListenPort,
		TLSEnabled:     n.cfg.TLSEnabled,
		TLSFingerprint: n.tlsFinger,
		Capabilities:   n.capabilities,
	}
}

// Run registers with the control plane, then runs the heartbeat loop,
// the proxy server, and (if configured) the admin server until ctx is
// canceled, unregistering best-effort on the way out.
func (n *Node) Run(ctx context.Context) error {
	registerCtx, cancel := context.WithTimeout(ctx, n.cfg.ControlPlaneTimeout)
	nodeID, err := n.client.Register(registerCtx, n.registerRequest())
	cancel()
	if err != nil {
		return fmt.Errorf("initial registration failed: %w", err)
	}
	n.node.Set(nodeID)
	n.logger.Info("registered with control plane", "node_id", nodeID, "public_ip", n.publicIP)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return n.heartbeat.Run(groupCtx) })
	group.Go(func() error { return n.proxy.Start(groupCtx) })
	if n.adminSrv != nil {
		group.Go(func() error { return n.adminSrv.Start(groupCtx) })
	}

	<-groupCtx.Done()

	unregisterCtx, unregisterCancel := context.WithTimeout(context.Background(), n.cfg.ControlPlaneTimeout)
	if err := n.client.Unregister(unregisterCtx, n.node.Get()); err != nil {
		n.logger.Warn("best-effort unregister failed", "error", err)
	}
	unregisterCancel()

	if err := group.Wait(); err != nil && err != ctx.Err() {
		return err
	}
	return nil
}

// computeTLSFingerprint returns the hex SHA-256 of the DER-encoded
// serving certificate when TLS is enabled, or "" otherwise.
func computeTLSFingerprint(cfg config.StaticConfig) (string, error) {
	if !cfg.TLSEnabled {
		return "", nil
	}
	certPEM, err := os.ReadFile(cfg.TLSCertPath)
	if err != nil {
		return "", fmt.Errorf("read TLS cert: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("no PEM block found in %s", cfg.TLSCertPath)
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse serving certificate: %w", err)
	}
	sum := sha256.Sum256(leaf.Raw)
	return hex.EncodeToString(sum[:]), nil
}
