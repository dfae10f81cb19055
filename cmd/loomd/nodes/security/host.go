package security

import (
	"fmt"
	"net"
	"strings"
)

var blockedHostnames = map[string]bool{
	"localhost":          true,
	"127.0.0.1":          true,
	"::1":                true,
	"0.0.0.0":            true,
	"::":                 true,
	"::ffff:127.0.0.1":   true,
	"[::1]":              true,
	"[::ffff:127.0.0.1]": true,
}

// HostValidator blocks hostnames that resolve into internal address
// space.
type HostValidator struct {
	// lookupIP is swappable for tests
	lookupIP func(host string) ([]net.IP, error)
}

// NewHostValidator creates a host validator using system DNS
func NewHostValidator() *HostValidator {
	return &HostValidator{lookupIP: net.LookupIP}
}

// Validate checks the hostname and every address it resolves to.
// A DNS failure passes: the request itself will fail with a clearer
// error.
func (v *HostValidator) Validate(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname is required")
	}

	normalized := strings.ToLower(strings.TrimSpace(hostname))
	if blockedHostnames[normalized] {
		return fmt.Errorf("hostname %q is blocked (localhost access)", hostname)
	}

	if ip := net.ParseIP(normalized); ip != nil {
		return validateIP(ip)
	}

	ips, err := v.lookupIP(hostname)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := validateIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// validateIP rejects addresses in internal or special-purpose ranges
func validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("IP %s is blocked (loopback address)", ip)
	case ip.IsPrivate():
		return fmt.Errorf("IP %s is blocked (private network)", ip)
	case ip.IsLinkLocalUnicast():
		// Covers 169.254.0.0/16, including cloud metadata endpoints
		return fmt.Errorf("IP %s is blocked (link-local address)", ip)
	case ip.IsMulticast():
		return fmt.Errorf("IP %s is blocked (multicast address)", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("IP %s is blocked (unspecified address)", ip)
	}
	return nil
}
