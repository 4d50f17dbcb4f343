package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP from the request. Forwarding
// headers are only consulted when trustProxy is set; otherwise anyone could
// spoof their source address past IP-keyed rate limits.
//
// X-Forwarded-For is "client, proxy1, proxy2, ..." with trusted proxies
// appended on the right; trustedProxyCount says how many of the rightmost
// entries to skip.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if trustedProxyCount == 0 {
		trustedProxyCount = 1
	}

	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}
	return parseIP(strings.TrimSpace(ips[idx]))
}

func parseIP(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}
