package security

import (
	"fmt"
	"net/url"
	"strings"
)

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// Patterns that indicate file access or path traversal attempts,
// matched against the lowercased path and query values.
var blockedPathPatterns = []string{
	"file://",
	"../",
	"..\\",
	"/etc/",
	"/proc/",
	"/sys/",
	"c:/",
	"c:\\",
	"\\\\.\\pipe\\",
	// URL-encoded traversal variants
	"%2e%2e/",
	"%2e%2e%2f",
	"..%2f",
	"%2e%2e\\",
	"%2e%2e%5c",
	"..%5c",
}

// URLValidator rejects URLs a workflow node must not fetch: non-HTTP
// schemes, internal hosts and file access attempts.
type URLValidator struct {
	hosts *HostValidator
}

// NewURLValidator creates a validator with the default rules
func NewURLValidator() *URLValidator {
	return &URLValidator{hosts: NewHostValidator()}
}

// Validate checks scheme, host, path and query of the URL
func (v *URLValidator) Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if err := validateScheme(parsed.Scheme); err != nil {
		return err
	}
	if err := v.hosts.Validate(parsed.Hostname()); err != nil {
		return err
	}
	if err := validatePath(parsed.Path); err != nil {
		return err
	}
	for key, values := range parsed.Query() {
		for _, value := range values {
			if err := validatePath(value); err != nil {
				return fmt.Errorf("query parameter %q: %w", key, err)
			}
		}
	}
	return nil
}

func validateScheme(scheme string) error {
	normalized := strings.ToLower(strings.TrimSpace(scheme))
	if normalized == "" {
		return fmt.Errorf("URL scheme is required")
	}
	if !allowedSchemes[normalized] {
		return fmt.Errorf("scheme %q is not allowed (only http/https permitted)", scheme)
	}
	return nil
}

func validatePath(p string) error {
	normalized := strings.ToLower(p)
	for _, pattern := range blockedPathPatterns {
		if strings.Contains(normalized, pattern) {
			return fmt.Errorf("blocked pattern %q (file access attempt)", pattern)
		}
	}
	return nil
}
