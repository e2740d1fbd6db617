// Package urlutil validates render targets before they reach the browser.
package urlutil

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrNotAbsolute   = errors.New("url must be absolute http or https")
	ErrHostForbidden = errors.New("host is not allowed")
	ErrPrivateIP     = errors.New("private or reserved address")
)

var privateRanges = mustParseCIDRs(
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"169.254.0.0/16", // link-local, includes cloud metadata
	"100.64.0.0/10",  // CGNAT
	"0.0.0.0/8",
	"224.0.0.0/4", // multicast
	"::1/128",
	"fe80::/10",
	"fc00::/7",
	"ff00::/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s", cidr))
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// IsPrivateIP reports whether ip is in a private or reserved range
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, ipNet := range privateRanges {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateTarget parses raw and checks it may be rendered. With a non-empty
// allowlist the hostname must equal an entry or be a subdomain of one. IP
// literals in private ranges are refused unless listed explicitly. No DNS
// lookups are made.
func ValidateTarget(raw string, allowedHosts []string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAbsolute, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrNotAbsolute
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return nil, ErrNotAbsolute
	}

	listed := hostAllowed(hostname, allowedHosts)
	if len(allowedHosts) > 0 && !listed {
		return nil, fmt.Errorf("%w: %s", ErrHostForbidden, hostname)
	}
	if !listed && IsPrivateIP(net.ParseIP(hostname)) {
		return nil, fmt.Errorf("%w: %s", ErrPrivateIP, hostname)
	}
	return u, nil
}

func hostAllowed(hostname string, allowedHosts []string) bool {
	for _, allowed := range allowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if hostname == allowed || strings.HasSuffix(hostname, "."+allowed) {
			return true
		}
	}
	return false
}
