package logger

import (
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// SanitizedEmail masks an email address for logging: the first character of
// the local part and the top-level domain survive ("u***@e******.com").
func SanitizedEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "[invalid-email]"
	}

	if len(local) > 1 {
		local = local[:1] + strings.Repeat("*", len(local)-1)
	}

	if dot := strings.LastIndex(domain, "."); dot > 0 {
		masked := strings.Map(func(r rune) rune {
			if r == '.' {
				return r
			}
			return '*'
		}, domain[:dot])
		domain = masked + domain[dot:]
	}

	return local + "@" + domain
}

var sensitiveParams = []string{"password", "token", "secret", "email", "auth", "session", "code"}

func isSensitiveParam(key string) bool {
	if unescaped, err := url.QueryUnescape(key); err == nil {
		key = unescaped
	}
	key = strings.ToLower(key)
	for _, param := range sensitiveParams {
		if strings.Contains(key, param) {
			return true
		}
	}
	return false
}

// RedactQuery replaces the value of every credential-like parameter in a raw
// query string, keeping parameter order. Other parameters pass through as sent.
func RedactQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	pairs := strings.Split(rawQuery, "&")
	for i, pair := range pairs {
		key, _, _ := strings.Cut(pair, "=")
		if isSensitiveParam(key) {
			pairs[i] = key + "=" + redacted
		}
	}
	return strings.Join(pairs, "&")
}
