package http

import (
	"net"
	"net/http"
	"strings"
	"unicode/utf8"
)

const maxUserAgentLength = 512

// IPConfig holds configuration for IP extraction and validation
type IPConfig struct {
	TrustedProxies []string // CIDR ranges or single addresses of trusted proxies
}

// ExtractClientIP returns the caller's address. Forwarding headers are honoured
// only when the connection comes from a trusted proxy, otherwise RemoteAddr wins.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remoteIP := getRemoteAddr(r)

	if config == nil || !isTrustedProxy(remoteIP, config.TrustedProxies) {
		return remoteIP
	}

	// Leftmost valid entry is the originating client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, ip := range strings.Split(xff, ",") {
			ip = strings.TrimSpace(ip)
			if isValidIP(ip) {
				return ip
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); isValidIP(xri) {
		return xri
	}

	return remoteIP
}

// ExtractUserAgent returns the sanitized User-Agent header, or "unknown" when absent
func ExtractUserAgent(r *http.Request) string {
	ua := SanitizeUserAgent(r.UserAgent())
	if ua == "" {
		return "unknown"
	}
	return ua
}

// SanitizeUserAgent makes a client supplied User-Agent safe to store in a text
// column: invalid UTF-8 is replaced with U+FFFD and the result is cut to at most
// maxUserAgentLength bytes without splitting a rune.
func SanitizeUserAgent(ua string) string {
	ua = strings.TrimSpace(strings.ToValidUTF8(ua, "\uFFFD"))
	if len(ua) <= maxUserAgentLength {
		return ua
	}
	cut := maxUserAgentLength
	for cut > 0 && !utf8.RuneStart(ua[cut]) {
		cut--
	}
	return ua[:cut]
}

// ExtractBearerToken returns the token from an "Authorization: Bearer" header
func ExtractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	return token, token != ""
}

// getRemoteAddr extracts the IP address from RemoteAddr (removing port if present)
func getRemoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	clientIP := net.ParseIP(ip)
	if clientIP == nil {
		return false
	}

	for _, entry := range trustedProxies {
		if !strings.Contains(entry, "/") {
			if proxyIP := net.ParseIP(entry); proxyIP != nil && proxyIP.Equal(clientIP) {
				return true
			}
			continue
		}

		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			continue // Skip invalid CIDR ranges
		}
		if ipNet.Contains(clientIP) {
			return true
		}
	}

	return false
}

func isValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}
