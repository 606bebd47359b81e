// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders. Besides the usual API hardening it
// decides per route how responses may be cached: operator key listings must
// never be stored, user transcripts may only be revalidated with their ETag,
// and the model catalog can be cached publicly. It also exposes the headers
// browser clients need to act on (Retry-After on capacity errors, replay and
// ETag markers, the request id).
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// exposedHeaders are readable by browser clients across origins.
var exposedHeaders = []string{requestIDHeader, "Retry-After", "Idempotency-Replayed", "ETag"}

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS sends Strict-Transport-Security on HTTPS requests. Enable
	// only when traffic is HTTPS end-to-end.
	EnableHSTS bool
	// HSTSMaxAge defaults to 180 days.
	HSTSMaxAge time.Duration
	// CacheControl maps a route prefix (as registered, e.g.
	// "/api/v1/admin") to its Cache-Control value. The longest matching
	// prefix wins; unmatched routes get no Cache-Control header.
	CacheControl map[string]string
}

// SecurityHeaders returns a Gin middleware that sets hardening, cache and
// CORS-expose headers before the handler runs.
//
// A "no-store" policy also sends the legacy Pragma and Expires headers.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if cc := cachePolicy(opt.CacheControl, routeLabel(c)); cc != "" {
			h.Set("Cache-Control", cc)
			if strings.Contains(cc, "no-store") {
				h.Set("Pragma", "no-cache")
				h.Set("Expires", "0")
			}
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		exposeHeaders(h, exposedHeaders...)
		c.Next()
	}
}

// cachePolicy returns the value of the longest prefix of route in policies.
func cachePolicy(policies map[string]string, route string) string {
	best, val := -1, ""
	for prefix, v := range policies {
		if strings.HasPrefix(route, prefix) && len(prefix) > best {
			best, val = len(prefix), v
		}
	}
	return val
}

// exposeHeaders appends names to Access-Control-Expose-Headers, keeping
// whatever CORS middleware already put there.
func exposeHeaders(h http.Header, names ...string) {
	const hdr = "Access-Control-Expose-Headers"
	cur := h.Get(hdr)
	have := strings.ToLower(cur)
	for _, n := range names {
		if strings.Contains(have, strings.ToLower(n)) {
			continue
		}
		if cur == "" {
			cur = n
		} else {
			cur += ", " + n
		}
	}
	if cur != "" {
		h.Set(hdr, cur)
	}
}

// isHTTPS reports whether the request arrived over TLS, directly or via a
// proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
