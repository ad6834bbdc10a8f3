// Package validation holds input checks shared by the HTTP surface and the
// admin commands.
package validation

import (
	"fmt"
	"net"
	"net/mail"
	"strings"
	"unicode/utf8"
)

const maxEmailLength = 254

// ValidateEmail accepts a bare RFC 5322 address without a display name.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	if len(email) > maxEmailLength {
		return fmt.Errorf("email too long")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return fmt.Errorf("invalid email address")
	}
	return nil
}

// ValidateIPAddress validates an IPv4 or IPv6 literal.
func ValidateIPAddress(ip string) error {
	if ip == "" {
		return fmt.Errorf("IP address cannot be empty")
	}
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid IP address format")
	}
	return nil
}

// SanitizeForLog strips control characters and truncates, for values that
// come straight from request headers.
func SanitizeForLog(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "?")
	}
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
