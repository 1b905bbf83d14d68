// Package guard validates inbound source addresses against a configured
// allowlist before sensitive operations are permitted.
package guard

import (
	"net/netip"
	"strings"

	"github.com/finbridge/paygate/errs"
)

// Guard holds the parsed allowlist of addresses and CIDR prefixes.
type Guard struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// New parses the allowlist entries. Each entry is either a single IP address
// or a CIDR prefix. An unparseable entry is a configuration failure.
func New(entries []string) (*Guard, error) {
	g := &Guard{
		addrs:    make(map[netip.Addr]struct{}, len(entries)),
		prefixes: nil,
	}
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		if strings.Contains(trimmed, "/") {
			prefix, err := netip.ParsePrefix(trimmed)
			if err != nil {
				return nil, errs.New("guard", errs.CodeConfiguration,
					errs.WithMessage("invalid allowlist prefix "+trimmed), errs.WithCause(err))
			}
			g.prefixes = append(g.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(trimmed)
		if err != nil {
			return nil, errs.New("guard", errs.CodeConfiguration,
				errs.WithMessage("invalid allowlist address "+trimmed), errs.WithCause(err))
		}
		g.addrs[addr.Unmap()] = struct{}{}
	}
	return g, nil
}

// Allowed reports whether the remote address (host or host:port form) matches
// the allowlist. An unparseable or empty address is rejected.
func (g *Guard) Allowed(remoteAddr string) bool {
	if g == nil {
		return false
	}
	addr, ok := parseHost(remoteAddr)
	if !ok {
		return false
	}
	if _, ok := g.addrs[addr]; ok {
		return true
	}
	for _, prefix := range g.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseHost(remoteAddr string) (netip.Addr, bool) {
	trimmed := strings.TrimSpace(remoteAddr)
	if trimmed == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(trimmed); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(trimmed)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
