package classify

import (
	"context"
	"fmt"
	"net"
)

// ErrBlockedAddress is returned when a URL resolves to a private, loopback
// or otherwise internal network target.
var ErrBlockedAddress = fmt.Errorf("target resolves to a blocked address")

// Resolver resolves a hostname to IP addresses. Injectable for tests.
type Resolver func(ctx context.Context, host string) ([]net.IP, error)

func defaultResolver(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips, nil
}

// isBlockedIP reports whether ip falls in a range the classifier must never
// probe: loopback, RFC1918 private, link-local, unique-local (RFC4193) or
// unspecified.
func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	// fc00::/7 unique-local; IsPrivate covers fd00::/8 but not fc00::/8.
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && v6[0]&0xfe == 0xfc {
		return true
	}
	return false
}

// checkHost validates that host does not point at internal infrastructure.
// A literal IP is checked directly; a hostname is resolved first. DNS
// failure is not a block: only a positively resolved internal address is.
func (c *Classifier) checkHost(ctx context.Context, host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) && !c.allowPrivate {
			return ErrBlockedAddress
		}
		return nil
	}

	ips, err := c.resolver(ctx, host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if isBlockedIP(ip) && !c.allowPrivate {
			return ErrBlockedAddress
		}
	}
	return nil
}
