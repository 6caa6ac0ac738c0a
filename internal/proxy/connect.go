// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"grimm.is/aether-proxy/internal/dynconfig"
	"grimm.is/aether-proxy/internal/reqauth"
	"grimm.is/aether-proxy/internal/targetfilter"
)

// handleConnect implements C6: parse the authority, authenticate,
// authorize, dial upstream, respond 200, then splice bytes
// bidirectionally until both directions have finished.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, snap dynconfig.Snapshot, nodeID string) {
	host, portStr, err := net.SplitHostPort(r.Host)
	if err != nil {
		http.Error(w, "malformed CONNECT authority", http.StatusBadRequest)
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		http.Error(w, "malformed CONNECT port", http.StatusBadRequest)
		return
	}

	canonical := reqauth.Request{
		Method:    http.MethodConnect,
		Scheme:    "https",
		Host:      host,
		Port:      uint16(port),
		PathQuery: "/",
		NodeID:    nodeID,
	}
	tolerance := time.Duration(snap.TimestampToleranceSeconds) * time.Second
	if err := s.Auth.Authenticate(r.Header, canonical, tolerance, time.Now()); err != nil {
		s.writeAuthError(w, err)
		return
	}

	addr, err := s.Filter.Validate(r.Context(), host, uint16(port), snap.AllowedPorts)
	if err != nil {
		s.writeFilterError(w, err)
		return
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), s.ConnectDialTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	upstream, err := dialer.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		s.log().Debug("upstream dial failed", "target", addr.String(), "error", err)
		http.Error(w, "upstream dial failed", http.StatusBadGateway)
		s.reportOutcome("upstream_error")
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "connection does not support CONNECT", http.StatusInternalServerError)
		s.reportOutcome("upstream_error")
		return
	}
	client, buffered, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	s.reportOutcome("forwarded")
	s.splice(client, buffered.Reader, upstream)
}

// splice copies bytes bidirectionally between client and upstream.
// When one direction reaches EOF or an error, the write side of its
// destination is half-closed (where the connection supports
// CloseWrite); both connections are closed once both directions have
// finished. Any buffered bytes the
// server already read off the client socket before hijacking are
// flushed to upstream first.
func (s *Server) splice(client net.Conn, buffered *bufio.Reader, upstream net.Conn) {
	defer client.Close()
	defer upstream.Close()

	if n := buffered.Buffered(); n > 0 {
		if _, err := io.CopyN(upstream, buffered, int64(n)); err != nil {
			return
		}
	}

	done := make(chan struct{}, 2)

	go func() {
		n, _ := io.Copy(upstream, client)
		s.reportTunnelBytes("client_to_upstream", n)
		if c, ok := upstream.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(client, upstream)
		s.reportTunnelBytes("upstream_to_client", n)
		if c, ok := client.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	<-done
}

func (s *Server) reportTunnelBytes(direction string, n int64) {
	if s.Hooks.OnTunnelBytes != nil && n > 0 {
		s.Hooks.OnTunnelBytes(direction, n)
	}
}

func (s *Server) reportOutcome(outcome string) {
	if s.Hooks.OnRequest != nil {
		s.Hooks.OnRequest(outcome)
	}
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	var authErr *reqauth.Error
	if errors.As(err, &authErr) {
		switch authErr.Code {
		case reqauth.ErrMissingCredentials, reqauth.ErrTimestampSkew:
			http.Error(w, authErr.Error(), http.StatusUnauthorized)
		default:
			http.Error(w, authErr.Error(), http.StatusForbidden)
		}
		s.reportOutcome("denied_auth")
		return
	}
	http.Error(w, "authentication failed", http.StatusUnauthorized)
	s.reportOutcome("denied_auth")
}

func (s *Server) writeFilterError(w http.ResponseWriter, err error) {
	var filterErr *targetfilter.FilterError
	if errors.As(err, &filterErr) {
		switch filterErr.Code {
		case targetfilter.ErrPortNotAllowed:
			http.Error(w, filterErr.Error(), http.StatusForbidden)
			s.reportOutcome("denied_port")
		case targetfilter.ErrDNSResolutionFailed:
			http.Error(w, filterErr.Error(), http.StatusBadGateway)
			s.reportOutcome("upstream_error")
		default:
			http.Error(w, filterErr.Error(), http.StatusForbidden)
			s.reportOutcome("denied_private_ip")
		}
		return
	}
	http.Error(w, "target rejected", http.StatusForbidden)
	s.reportOutcome("denied_private_ip")
}
