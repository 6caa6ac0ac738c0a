// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics implements C-MET: the Prometheus counters and
// gauges the supervisor wires into C5 and C8's Hooks callbacks, and
// the admin listener that serves them alongside a liveness probe.
// Collector uses a private registry (rather than the default global
// one) so a node embedding this package never leaks metrics into
// whatever else shares its process's default registry.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/aether-proxy/internal/logging"
	"grimm.is/aether-proxy/internal/nodeid"
)

// Collector holds every metric the proxy node exports.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal                *prometheus.CounterVec
	TunnelBytesTotal             *prometheus.CounterVec
	HeartbeatTotal               *prometheus.CounterVec
	ConfigVersion                prometheus.Gauge
	ConsecutiveHeartbeatFailures prometheus.Gauge
}

// New builds a Collector with all metrics registered.
func New() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	const ns = "aether_proxy"

	return &Collector{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Proxied requests by outcome.",
		}, []string{"outcome"}),
		TunnelBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tunnel_bytes_total",
			Help:      "Bytes spliced through CONNECT tunnels by direction.",
		}, []string{"direction"}),
		HeartbeatTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "heartbeat_total",
			Help:      "Control-plane heartbeats by result.",
		}, []string{"result"}),
		ConfigVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "config_version",
			Help:      "Highest dynamic config version currently applied.",
		}),
		ConsecutiveHeartbeatFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "consecutive_heartbeat_failures",
			Help:      "Number of heartbeats that have failed in a row.",
		}),
	}
}

// ObserveRequest records one completed proxy request.
func (c *Collector) ObserveRequest(outcome string) {
	c.RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTunnelBytes adds n bytes spliced in the given direction.
func (c *Collector) ObserveTunnelBytes(direction string, n int64) {
	c.TunnelBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// ObserveHeartbeat records one heartbeat loop iteration's result.
func (c *Collector) ObserveHeartbeat(result string) {
	c.HeartbeatTotal.WithLabelValues(result).Inc()
}

// SetConsecutiveFailures overwrites the consecutive-failure gauge.
func (c *Collector) SetConsecutiveFailures(n uint32) {
	c.ConsecutiveHeartbeatFailures.Set(float64(n))
}

// SetConfigVersion overwrites the applied-config-version gauge.
func (c *Collector) SetConfigVersion(v uint64) {
	c.ConfigVersion.Set(float64(v))
}

// AdminServer exposes /metrics and /healthz on a listener separate
// from the proxy's own traffic port, so scraping never competes with
// forwarded requests for the same accept loop.
type AdminServer struct {
	Addr      string
	Collector *Collector
	Node      *nodeid.Cell
	Logger    *logging.Logger

	httpServer *http.Server
}

// Start binds Addr and serves until ctx is canceled.
func (a *AdminServer) Start(ctx context.Context) error {
	logger := a.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("admin")

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(a.Collector.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.Node == nil || a.Node.Get() == "" {
			http.Error(w, "node identity not yet established", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", a.Addr)
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}

	a.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("admin server listening", "addr", a.Addr)

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.httpServer.Serve(listener) }()

	select {
	case <-ctx.Done():
		logger.Info("admin server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
