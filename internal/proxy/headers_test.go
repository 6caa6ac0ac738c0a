// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proxy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripHopByHopRemovesFixedList(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authenticate", "Basic")
	h.Set("Proxy-Authorization", "Basic xyz")
	h.Set("TE", "trailers")
	h.Set("Trailer", "X-Foo")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("X-Custom", "keep-me")

	stripHopByHop(h)

	for _, name := range hopByHopHeaders {
		assert.Empty(t, h.Get(name), "%s must be stripped", name)
	}
	assert.Equal(t, "keep-me", h.Get("X-Custom"))
}

func TestStripHopByHopRemovesConnectionTokenNamedHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Session-Token")
	h.Set("X-Session-Token", "secret")

	stripHopByHop(h)

	assert.Empty(t, h.Get("X-Session-Token"))
}

func TestStripHopByHopRemovesAllCommaSeparatedConnectionTokens(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Foo, X-Bar")
	h.Set("X-Foo", "1")
	h.Set("X-Bar", "2")
	h.Set("X-Baz", "keep-me")

	stripHopByHop(h)

	assert.Empty(t, h.Get("X-Foo"))
	assert.Empty(t, h.Get("X-Bar"))
	assert.Equal(t, "keep-me", h.Get("X-Baz"))
}

func TestStripHopByHopRemovesAetherAuthHeaders(t *testing.T) {
	h := http.Header{}
	for _, name := range requiredAuthHeaders {
		h.Set(name, "value")
	}
	h.Set("X-Aether-Anything-Else", "value")
	h.Set("X-Not-Aether", "keep-me")

	stripHopByHop(h)

	for _, name := range requiredAuthHeaders {
		assert.Empty(t, h.Get(name), "%s must be stripped", name)
	}
	assert.Empty(t, h.Get("X-Aether-Anything-Else"))
	assert.Equal(t, "keep-me", h.Get("X-Not-Aether"))
}
