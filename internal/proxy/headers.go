// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"

	"grimm.is/aether-proxy/internal/reqauth"
)

// hopByHopHeaders are stripped unconditionally (spec §4.7), the same
// fixed list net/http/httputil's ReverseProxy strips for the same
// RFC 7230 §6.1 reason.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes the fixed hop-by-hop list, every header named
// as a token in the received Connection header, and every
// authentication header this proxy itself consumes.
func stripHopByHop(h http.Header) {
	connection := h["Connection"]
	for name := range h {
		if httpguts.HeaderValuesContainsToken(connection, name) {
			delete(h, name)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	for name := range h {
		if strings.HasPrefix(strings.ToLower(name), "x-aether-") {
			h.Del(name)
		}
	}
}

// requiredAuthHeaders lists the headers reqauth reads, kept here so
// the strip list and the authenticator can't drift independently.
var requiredAuthHeaders = []string{
	reqauth.HeaderTimestamp,
	reqauth.HeaderNonce,
	reqauth.HeaderSignature,
}
