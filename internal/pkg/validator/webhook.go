package validator

import (
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// ErrPrivateAddress is returned when a webhook target is not publicly routable.
var ErrPrivateAddress = errors.New("address is not publicly routable")

var blockedHosts = []string{
	"localhost", "localhost.localdomain", "metadata.google.internal",
}

// nonPublicPrefixes are special-purpose ranges not covered by the netip
// loopback, private, link-local, multicast, and unspecified checks.
var nonPublicPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// reservedHeaders are set by the delivery pipeline or by the HTTP transport
// and cannot be overridden by endpoint configuration.
var reservedHeaders = []string{
	"content-type", "content-length", "host", "user-agent",
	"connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
	"te", "trailer", "transfer-encoding", "upgrade",
}

// WebhookURL checks that raw is an absolute http(s) URL with a host. Unless
// allowPrivate is set, loopback, link-local, and private addresses are refused.
func WebhookURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return errors.New("invalid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL must include a host")
	}
	if u.User != nil {
		return errors.New("URL must not embed credentials")
	}
	if allowPrivate {
		return nil
	}

	lower := strings.ToLower(host)
	for _, blocked := range blockedHosts {
		if lower == blocked || strings.HasSuffix(lower, "."+blocked) {
			return errors.New("URL host is not allowed")
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil && !IsPublicAddr(addr) {
		return errors.New("URL must not point at a private address")
	}
	return nil
}

// IsPublicAddr reports whether addr is a globally routable unicast address.
func IsPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsInterfaceLocalMulticast() {
		return false
	}
	for _, p := range nonPublicPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// PublicDialControl is a net.Dialer Control hook that refuses connections to
// non-public addresses. It runs after DNS resolution, so hostnames that
// resolve to private addresses are caught as well.
func PublicDialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if !IsPublicAddr(addr) {
		return ErrPrivateAddress
	}
	return nil
}

// HeaderName checks a custom header name is a valid token and not reserved.
func HeaderName(name string) error {
	if name == "" {
		return errors.New("header name is empty")
	}
	for _, r := range name {
		if !isTokenChar(r) {
			return errors.New("header name contains invalid characters")
		}
	}

	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "x-webhook-") || strings.HasPrefix(lower, "proxy-") {
		return errors.New("header name is reserved")
	}
	for _, reserved := range reservedHeaders {
		if lower == reserved {
			return errors.New("header name is reserved")
		}
	}
	return nil
}

// HeaderValue rejects values that would break the request line.
func HeaderValue(value string) error {
	if strings.ContainsAny(value, "\r\n\x00") {
		return errors.New("header value contains control characters")
	}
	return nil
}

func isTokenChar(r rune) bool {
	if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
		return true
	}
	return strings.ContainsRune("!#$%&'*+-.^_`|~", r)
}
