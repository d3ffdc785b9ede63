package util

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidateAddress validates a server address in host:port form. The host
// may be an IP literal (IPv6 in brackets) or a DNS hostname. An http or
// https URL is also accepted for servers checked by the HTTP probe.
func ValidateAddress(address string) error {
	if strings.Contains(address, "://") {
		return validateURLAddress(address)
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("address must be host:port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port: %q", portStr)
	}
	if err := ValidatePort(port); err != nil {
		return err
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	return ValidateHostname(host)
}

func validateURLAddress(address string) error {
	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid port: %q", portStr)
		}
		if err := ValidatePort(port); err != nil {
			return err
		}
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	return ValidateHostname(host)
}

// ValidatePort validates a port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", port)
	}
	return nil
}

// ValidateHostname validates a DNS hostname.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty")
	}

	if len(hostname) > 253 {
		return fmt.Errorf("hostname too long: %d characters (max 253)", len(hostname))
	}

	labels := strings.Split(hostname, ".")
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("hostname has empty label")
		}
		if len(label) > 63 {
			return fmt.Errorf("hostname label too long: %d characters (max 63)", len(label))
		}
		for i, c := range label {
			if !isValidHostnameChar(c, i == 0, i == len(label)-1) {
				return fmt.Errorf("invalid character in hostname: %c", c)
			}
		}
	}

	return nil
}

// isValidHostnameChar checks if a character is valid in a hostname label.
func isValidHostnameChar(c rune, isFirst, isLast bool) bool {
	if c >= 'a' && c <= 'z' {
		return true
	}
	if c >= 'A' && c <= 'Z' {
		return true
	}
	if c >= '0' && c <= '9' {
		return true
	}
	if c == '-' && !isFirst && !isLast {
		return true
	}
	return false
}
