// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package targetfilter implements the proxy's target-address safety
// policy (spec §4.1): a port allowlist plus a DNS-rebind-safe
// private/reserved-range block. Every resolved address is checked,
// not merely the one ultimately dialed, so an attacker who controls a
// DNS record cannot answer once for the filter and again for the
// connect.
package targetfilter

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	nodeerrors "grimm.is/aether-proxy/internal/errors"
)

// Resolver looks up every address a host name answers to. The
// production implementations are net.Resolver (default) and the
// miekg/dns-backed TrustedResolver (operator-pinned DNS server).
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SystemResolver adapts *net.Resolver to Resolver.
type SystemResolver struct {
	Resolver *net.Resolver
}

func (s SystemResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	return r.LookupIPAddr(ctx, host)
}

// TrustedResolver queries a single operator-pinned DNS server directly
// via miekg/dns instead of going through the system stub resolver,
// nsswitch, or /etc/hosts — any of which could be the thing an
// attacker controls in a DNS-rebind attempt.
type TrustedResolver struct {
	// Server is "host:port", e.g. "1.1.1.1:53".
	Server  string
	Timeout time.Duration
}

func (t TrustedResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	client := &dns.Client{Timeout: timeout}
	fqdn := dns.Fqdn(host)

	var addrs []net.IPAddr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		resp, _, err := client.ExchangeContext(ctx, msg, t.Server)
		if err != nil {
			return nil, nodeerrors.Wrapf(err, nodeerrors.KindUnavailable, "query %s against trusted resolver %s", host, t.Server)
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, net.IPAddr{IP: rec.A})
			case *dns.AAAA:
				addrs = append(addrs, net.IPAddr{IP: rec.AAAA})
			}
		}
	}
	return addrs, nil
}

// ErrorCode classifies why validation failed, mirroring the original
// source's FilterError enum.
type ErrorCode int

const (
	ErrPortNotAllowed ErrorCode = iota
	ErrPrivateIP
	ErrDNSResolutionFailed
)

// FilterError is the typed rejection validate returns.
type FilterError struct {
	Code ErrorCode
	Port uint16
	IP   net.IP
	Host string
}

func (e *FilterError) Error() string {
	switch e.Code {
	case ErrPortNotAllowed:
		return fmt.Sprintf("port %d not in allowed list", e.Port)
	case ErrPrivateIP:
		return fmt.Sprintf("target IP %s is in private/reserved range", e.IP)
	case ErrDNSResolutionFailed:
		return fmt.Sprintf("DNS resolution failed for %s", e.Host)
	default:
		return "target rejected"
	}
}

// Filter validates host:port pairs against a port allowlist and the
// private/reserved-range blocklist, using resolver to look up
// non-literal hosts.
type Filter struct {
	Resolver Resolver
}

// New builds a Filter backed by the system resolver.
func New() *Filter {
	return &Filter{Resolver: SystemResolver{}}
}

// NewTrusted builds a Filter that resolves via a pinned DNS server.
func NewTrusted(server string) *Filter {
	return &Filter{Resolver: TrustedResolver{Server: server}}
}

// Validate implements spec §4.1's validate(host, port, allowed_ports).
// host may be a literal IPv4/IPv6 address or a hostname; an
// internationalized hostname is normalized to its ASCII form first so
// two spellings of the same host can't reach two different decisions.
func (f *Filter) Validate(ctx context.Context, host string, port uint16, allowedPorts map[uint16]struct{}) (*net.TCPAddr, error) {
	if _, ok := allowedPorts[port]; !ok {
		return nil, &FilterError{Code: ErrPortNotAllowed, Port: port}
	}

	asciiHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		asciiHost = host
	}

	if ip := net.ParseIP(asciiHost); ip != nil {
		if IsPrivate(ip) {
			return nil, &FilterError{Code: ErrPrivateIP, IP: ip}
		}
		return &net.TCPAddr{IP: ip, Port: int(port)}, nil
	}

	resolver := f.Resolver
	if resolver == nil {
		resolver = SystemResolver{}
	}

	addrs, err := resolver.LookupIPAddr(ctx, asciiHost)
	if err != nil || len(addrs) == 0 {
		return nil, &FilterError{Code: ErrDNSResolutionFailed, Host: host}
	}

	// DNS-rebind guard: every answer must pass, not just the one we
	// end up dialing.
	for _, a := range addrs {
		if IsPrivate(a.IP) {
			return nil, &FilterError{Code: ErrPrivateIP, IP: a.IP}
		}
	}

	return &net.TCPAddr{IP: addrs[0].IP, Port: int(port)}, nil
}

// IsPrivate classifies ip against the ranges in spec §4.1.
func IsPrivate(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		return isPrivateIPv4(v4)
	}
	return isPrivateIPv6(ip)
}

func isPrivateIPv4(ip net.IP) bool {
	switch {
	case ip[0] == 10:
		return true
	case ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31:
		return true
	case ip[0] == 192 && ip[1] == 168:
		return true
	case ip[0] == 127:
		return true
	case ip[0] == 169 && ip[1] == 254:
		return true
	case ip[0] == 0:
		return true
	default:
		return false
	}
}

// isPrivateIPv6 classifies an address that IsPrivate has already
// determined has no IPv4 form (net.IP.To4 returns non-nil for both
// 4-byte addresses and IPv4-mapped IPv6, so callers route those
// straight to isPrivateIPv4 before reaching here).
func isPrivateIPv6(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}

	segment0 := uint16(ip[0])<<8 | uint16(ip[1])
	if segment0&0xfe00 == 0xfc00 { // fc00::/7, ULA
		return true
	}
	if segment0&0xffc0 == 0xfe80 { // fe80::/10, link-local
		return true
	}
	return false
}
