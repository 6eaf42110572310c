package api

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// UnknownIP is the sentinel returned when no header or connection source
// yields a usable client address. Requests resolving to it are rejected
// before any quota accounting happens.
const UnknownIP = "unknown"

// ResolveClientIP extracts the caller's address using the proxy-header
// precedence the quota is keyed on: the CDN's connecting-IP header first,
// then the vendor-neutral true-client header, then the first hop of
// X-Forwarded-For, then X-Real-IP, then the framework's own resolution.
func ResolveClientIP(c *gin.Context) string {
	if ip := strings.TrimSpace(c.GetHeader("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(c.GetHeader("True-Client-IP")); ip != "" {
		return ip
	}
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(c.GetHeader("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return UnknownIP
}
