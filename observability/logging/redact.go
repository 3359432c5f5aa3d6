package logging

import (
	"log/slog"
	"net/url"
	"sort"
	"strings"
)

// RedactedValue is the placeholder written in place of sensitive fields.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"component": {},
	"vault":     {},
	"caller":    {},
	"method":    {},
	"path":      {},
	"status":    {},
	"event":     {},
}

// IsAllowlisted reports whether key may be logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns a sorted copy of the allowlisted keys.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField redacts value unless key is allowlisted. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskURL strips credentials from a connection string so it can be logged.
// Strings that do not parse as URLs (sqlite paths, key=value DSNs) are masked
// wholesale when they mention a password.
func MaskURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		if strings.Contains(strings.ToLower(raw), "password") {
			return RedactedValue
		}
		return raw
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	q := u.Query()
	for key := range q {
		if !IsAllowlisted(key) {
			q.Set(key, RedactedValue)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
