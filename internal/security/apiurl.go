// Package security guards the addresses the gateway is willing to call on
// behalf of a client.
package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"loginpilot/internal/domain"
)

// APIURLPolicy decides which profile service URLs a pipeline request may
// override the configured one with. Loopback hosts are always allowed since
// the profile service is a local application.
type APIURLPolicy struct {
	allowed map[string]struct{}
}

// NewAPIURLPolicy builds a policy allowing loopback plus hosts.
func NewAPIURLPolicy(hosts []string) *APIURLPolicy {
	p := &APIURLPolicy{allowed: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			p.allowed[h] = struct{}{}
		}
	}
	return p
}

// Check returns domain.ErrURLBlocked wrapped in a DomainError when rawURL
// may not be used. An empty URL is accepted and means "use the default".
func (p *APIURLPolicy) Check(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.NewDomainError("APIURLPolicy.Check", domain.ErrURLBlocked, fmt.Sprintf("invalid URL: %v", err))
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return domain.NewDomainError("APIURLPolicy.Check", domain.ErrURLBlocked, "missing URL scheme, only http/https allowed")
	default:
		return domain.NewDomainError("APIURLPolicy.Check", domain.ErrURLBlocked,
			fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme))
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return domain.NewDomainError("APIURLPolicy.Check", domain.ErrURLBlocked, "empty hostname")
	}
	if IsLoopback(host) {
		return nil
	}
	if _, ok := p.allowed[host]; ok {
		return nil
	}
	return domain.NewDomainError("APIURLPolicy.Check", domain.ErrURLBlocked,
		fmt.Sprintf("host %s is not in the allowed list", host))
}

// IsLoopback reports whether host names the local machine. Names other than
// "localhost" are not resolved.
func IsLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	// Normalize IPv4-mapped IPv6 to IPv4
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip.IsLoopback()
}
