// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package proxy implements C6 (CONNECT handler), C7 (plain forward
// handler) and C8 (proxy server): the accept-and-dispatch loop that
// snapshots the dynamic config and node identity once per request and
// routes to a tunnel or a forwarded HTTP request.
package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"grimm.is/aether-proxy/internal/dynconfig"
	"grimm.is/aether-proxy/internal/logging"
	"grimm.is/aether-proxy/internal/nodeid"
	"grimm.is/aether-proxy/internal/reqauth"
	"grimm.is/aether-proxy/internal/targetfilter"
)

// Hooks lets C-MET observe request outcomes without this package
// importing the metrics package.
type Hooks struct {
	OnRequest     func(outcome string) // forwarded|denied_port|denied_private_ip|denied_auth|upstream_error
	OnTunnelBytes func(direction string, n int64)
}

// Server is C8: it binds a listener, runs one http.Server on it, and
// dispatches each request to C6 or C7 after taking a single
// consistent snapshot of dynamic config and node identity.
type Server struct {
	ListenPort uint16
	Dyn        *dynconfig.Cell
	Node       *nodeid.Cell
	Auth       *reqauth.Authenticator
	Filter     *targetfilter.Filter
	Logger     *logging.Logger
	Hooks      Hooks

	ConnectDialTimeout  time.Duration
	UpstreamDialTimeout time.Duration

	httpServer *http.Server
}

// Start binds the listener and serves until ctx is canceled, then
// gracefully shuts down. It blocks until shutdown completes.
func (s *Server) Start(ctx context.Context) error {
	if s.ConnectDialTimeout <= 0 {
		s.ConnectDialTimeout = 10 * time.Second
	}
	if s.UpstreamDialTimeout <= 0 {
		s.UpstreamDialTimeout = 10 * time.Second
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	// No ReadTimeout/WriteTimeout: spec §5 requires CONNECT tunnels to
	// have no total duration cap since they are interactive. A
	// ReadHeaderTimeout alone bounds the slowloris exposure on the
	// part that is never long-lived (reading the initial request line
	// and headers).
	s.httpServer = &http.Server{
		Handler:           http.HandlerFunc(s.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(connectionErrorWriter{logger: s.log()}, "", 0),
	}

	s.log().Info("proxy server listening", "addr", addr)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.log().Info("proxy server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	snap := s.Dyn.Snapshot()
	nodeID := s.Node.Get()

	if r.Method == http.MethodConnect {
		s.handleConnect(w, r, snap, nodeID)
		return
	}
	s.handlePlain(w, r, snap, nodeID)
}

func (s *Server) log() *logging.Logger {
	if s.Logger == nil {
		return logging.Default().WithComponent("proxy")
	}
	return s.Logger
}

// isNormalClose reports whether msg describes the kind of connection
// error that happens on every ordinary client disconnect and
// therefore isn't worth logging (spec §4.8).
func isNormalClose(msg string) bool {
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}

// connectionErrorWriter adapts http.Server's plain-text ErrorLog
// stream into our structured logger, dropping the normal-close noise
// spec §4.8 says isn't worth logging.
type connectionErrorWriter struct {
	logger *logging.Logger
}

func (w connectionErrorWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" && !isNormalClose(msg) {
		w.logger.Debug(msg)
	}
	return len(p), nil
}
