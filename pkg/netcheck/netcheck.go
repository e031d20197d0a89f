package netcheck

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// cloudMetadataHost is blocked outright; fetching it from a server-side
// request is the classic credential-theft vector.
const cloudMetadataHost = "169.254.169.254"

var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
}

var privateCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"192.168.0.0/16",
	"172.16.0.0/12",
	"169.254.0.0/16",
)

func mustParseCIDRs(blocks ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		_, n, err := net.ParseCIDR(b)
		if err != nil {
			panic(fmt.Sprintf("bad builtin CIDR %q: %v", b, err))
		}
		out = append(out, n)
	}
	return out
}

// IsLocalHost reports whether host names a loopback or unspecified address.
func IsLocalHost(host string) bool {
	return loopbackHosts[strings.ToLower(host)]
}

// IsPrivateHost reports whether host is a literal IP inside a private or
// link-local range, or the cloud metadata address.
func IsPrivateHost(host string) bool {
	if host == cloudMetadataHost {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range privateCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback() || ip.IsUnspecified()
}

// ValidatePublicURL checks that raw is an http(s) URL pointing at a public
// host. Every URL accepted from a remote party goes through this.
func ValidatePublicURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed, want http or https", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no hostname")
	}
	if IsLocalHost(host) {
		return fmt.Errorf("hostname %q is local-only", host)
	}
	if IsPrivateHost(host) {
		return fmt.Errorf("hostname %q is in a private range", host)
	}
	return nil
}

// NormalizeEndpoint canonicalizes a peer endpoint: strips trailing slashes,
// fragment, and query; discards non-http(s) and local-only hosts.
func NormalizeEndpoint(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("endpoint has no hostname")
	}
	if IsLocalHost(host) {
		return "", fmt.Errorf("endpoint %q is local-only", host)
	}
	u.Fragment = ""
	u.RawQuery = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}
