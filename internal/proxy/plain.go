// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"grimm.is/aether-proxy/internal/dynconfig"
	"grimm.is/aether-proxy/internal/reqauth"
)

// handlePlain implements C7: authenticate and authorize an
// absolute-URI forward-proxy request, rewrite it to origin form, dial
// the already-validated upstream address directly (never re-resolving
// the host, which would reopen the DNS-rebind window C1 just closed),
// and stream the response back without buffering the whole body.
func (s *Server) handlePlain(w http.ResponseWriter, r *http.Request, snap dynconfig.Snapshot, nodeID string) {
	if !r.URL.IsAbs() {
		http.Error(w, "request target must be an absolute URI", http.StatusBadRequest)
		return
	}

	scheme := r.URL.Scheme
	host := r.URL.Hostname()
	port, err := resolvePort(r.URL, scheme)
	if err != nil {
		http.Error(w, "malformed port", http.StatusBadRequest)
		return
	}

	canonical := reqauth.Request{
		Method:    r.Method,
		Scheme:    scheme,
		Host:      host,
		Port:      port,
		PathQuery: r.URL.RequestURI(),
		NodeID:    nodeID,
	}
	tolerance := time.Duration(snap.TimestampToleranceSeconds) * time.Second
	if err := s.Auth.Authenticate(r.Header, canonical, tolerance, time.Now()); err != nil {
		s.writeAuthError(w, err)
		return
	}

	addr, err := s.Filter.Validate(r.Context(), host, port, snap.AllowedPorts)
	if err != nil {
		s.writeFilterError(w, err)
		return
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), s.UpstreamDialTimeout)
	upstream, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr.String())
	cancel()
	if err != nil {
		s.log().Debug("upstream dial failed", "target", addr.String(), "error", err)
		http.Error(w, "upstream dial failed", http.StatusBadGateway)
		s.reportOutcome("upstream_error")
		return
	}
	defer upstream.Close()

	outReq := buildUpstreamRequest(r, host, port, scheme)
	if err := outReq.Write(upstream); err != nil {
		s.log().Debug("failed writing request upstream", "error", err)
		http.Error(w, "upstream write failed", http.StatusBadGateway)
		s.reportOutcome("upstream_error")
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), outReq)
	if err != nil {
		s.log().Debug("failed reading upstream response", "error", err)
		http.Error(w, "upstream read failed", http.StatusBadGateway)
		s.reportOutcome("upstream_error")
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	s.reportOutcome("forwarded")

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				s.log().Debug("upstream body read error mid-stream", "error", readErr)
			}
			return
		}
	}
}

func resolvePort(u *url.URL, scheme string) (uint16, error) {
	portStr := u.Port()
	if portStr == "" {
		if scheme == "https" {
			return 443, nil
		}
		return 80, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}

// buildUpstreamRequest rewrites the incoming proxy request into
// origin form (spec §4.7): method preserved, target becomes
// path?query, hop-by-hop and auth headers stripped, everything else
// forwarded verbatim.
func buildUpstreamRequest(r *http.Request, host string, port uint16, scheme string) *http.Request {
	header := r.Header.Clone()
	stripHopByHop(header)

	hostHeader := host
	if (scheme == "http" && port != 80) || (scheme == "https" && port != 443) {
		hostHeader = net.JoinHostPort(host, strconv.Itoa(int(port)))
	}

	return &http.Request{
		Method: r.Method,
		URL: &url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		},
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          hostHeader,
	}
}
