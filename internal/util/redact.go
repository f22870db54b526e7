// Package util holds small helpers shared by the transport layer.
package util

import (
	"net/url"
	"strings"
)

// Redact keeps the first and last few characters of a secret.
func Redact(secret string) string {
	switch n := len(secret); {
	case n > 8:
		return secret[:4] + "..." + secret[n-4:]
	case n > 4:
		return secret[:2] + "..." + secret[n-2:]
	case n > 2:
		return secret[:1] + "..." + secret[n-1:]
	default:
		return secret
	}
}

// RedactQuery redacts the values of secret-looking parameters in a raw
// query string and leaves everything else byte-for-byte intact.
func RedactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	for i, part := range parts {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		name, errKey := url.QueryUnescape(key)
		if errKey != nil {
			name = key
		}
		if !isSecretParam(name) {
			continue
		}
		decoded, errValue := url.QueryUnescape(value)
		if errValue != nil {
			decoded = value
		}
		parts[i] = key + "=" + url.QueryEscape(Redact(strings.TrimSpace(decoded)))
	}
	return strings.Join(parts, "&")
}

func isSecretParam(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), "[]")
	if name == "" {
		return false
	}
	for _, marker := range []string{"token", "secret", "key", "password"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
