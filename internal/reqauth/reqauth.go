// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reqauth verifies the HMAC-SHA256 signature and timestamp
// freshness that every proxied request must carry (spec §4.2). The
// canonical string it signs is the authentication contract with
// clients: its exact form (separator, URI shape, field order) must
// never drift once published.
package reqauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/net/idna"

	nodeerrors "grimm.is/aether-proxy/internal/errors"
)

const (
	HeaderTimestamp = "X-Aether-Timestamp"
	HeaderNonce     = "X-Aether-Nonce"
	HeaderSignature = "X-Aether-Signature"
)

// requestSigInfo and controlPlaneMACInfo are the HKDF context strings
// that separate the request-signing subkey from a reserved
// control-plane companion subkey, so the two concerns can never be
// confused even though the operator configures a single secret.
const (
	requestSigInfo      = "aether-proxy.request-sig.v1"
	controlPlaneMACInfo = "aether-proxy.controlplane-mac.v1"
)

// DeriveKeys splits a single operator-supplied secret into a
// request-signing subkey and a control-plane companion subkey via
// HKDF-SHA256, per SPEC_FULL §3.
func DeriveKeys(secret []byte) (signingKey, controlPlaneKey []byte, err error) {
	signingKey, err = hkdfExpand(secret, requestSigInfo, 32)
	if err != nil {
		return nil, nil, err
	}
	controlPlaneKey, err = hkdfExpand(secret, controlPlaneMACInfo, 32)
	if err != nil {
		return nil, nil, err
	}
	return signingKey, controlPlaneKey, nil
}

func hkdfExpand(secret []byte, info string, size int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, size)
	if _, err := reader.Read(out); err != nil {
		return nil, nodeerrors.Wrap(err, nodeerrors.KindInternal, "derive subkey")
	}
	return out, nil
}

// Code classifies why Authenticate rejected a request, mirroring
// spec §7's AuthError variants.
type Code int

const (
	ErrMissingCredentials Code = iota
	ErrTimestampSkew
	ErrBadSignature
)

// Error is the typed rejection Authenticate returns.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrMissingCredentials:
		return "missing authentication credentials"
	case ErrTimestampSkew:
		return "request timestamp outside tolerance"
	case ErrBadSignature:
		return "signature verification failed"
	default:
		return "authentication failed"
	}
}

// Request is the subset of an incoming proxy request the canonical
// string is built from (spec §3, CanonicalRequest).
type Request struct {
	Method    string
	Scheme    string
	Host      string
	Port      uint16
	PathQuery string
	NodeID    string
}

// Authenticator verifies requests against a single derived signing key.
type Authenticator struct {
	SigningKey []byte
}

// New builds an Authenticator from an already-derived signing key
// (see DeriveKeys).
func New(signingKey []byte) *Authenticator {
	return &Authenticator{SigningKey: signingKey}
}

// Authenticate implements spec §4.2's authenticate(request, hmac_key,
// tolerance_s). now is injected for deterministic testing.
func (a *Authenticator) Authenticate(headers http.Header, req Request, tolerance time.Duration, now time.Time) error {
	ts := headers.Get(HeaderTimestamp)
	nonce := headers.Get(HeaderNonce)
	sig := headers.Get(HeaderSignature)
	if ts == "" || nonce == "" || sig == "" {
		return &Error{Code: ErrMissingCredentials}
	}

	timestamp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &Error{Code: ErrMissingCredentials, Detail: "timestamp is not a decimal integer"}
	}

	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(tolerance.Seconds()) {
		return &Error{Code: ErrTimestampSkew}
	}

	canonical := BuildCanonicalString(req, timestamp, nonce)
	expected := sign(a.SigningKey, canonical)

	suppliedSig, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(suppliedSig, expected) {
		return &Error{Code: ErrBadSignature}
	}
	return nil
}

// BuildCanonicalString implements spec §6's exact canonical string:
// METHOD\nscheme://host[:port]\npath?query\ntimestamp\nnonce\nnode_id
func BuildCanonicalString(req Request, timestamp int64, nonce string) string {
	return strings.Join([]string{
		strings.ToUpper(req.Method),
		req.Scheme + "://" + authority(req.Scheme, req.Host, req.Port),
		req.PathQuery,
		strconv.FormatInt(timestamp, 10),
		nonce,
		req.NodeID,
	}, "\n")
}

// authority lowercases the host and omits the port when it matches
// the scheme's default (80 for http, 443 for https), per spec §4.2.
func authority(scheme, host string, port uint16) string {
	normalized, err := idna.Lookup.ToASCII(strings.ToLower(host))
	if err != nil {
		normalized = strings.ToLower(host)
	}

	if port == 0 {
		return normalized
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return normalized
	}
	return fmt.Sprintf("%s:%d", normalized, port)
}

func sign(key []byte, canonical string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

// Sign is exposed for C4/tests that need to produce a valid signature
// (e.g. a test client exercising the full proxy path).
func Sign(key []byte, req Request, timestamp int64, nonce string) string {
	canonical := BuildCanonicalString(req, timestamp, nonce)
	return hex.EncodeToString(sign(key, canonical))
}
