// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements Redact and RedactingLogger. Redact scrubs upstream API
// keys, emails, phone numbers and UUIDs from free text; RedactingLogger dumps
// request headers through it and is meant for debug deployments where the
// extra detail is worth the log volume.
//
// Usage:
//
//	r := gin.New()
//	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
//	    MaskHeaders: []string{middleware.HeaderAdminToken},
//	}))
//
// Request and response bodies are never logged.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var (
	// Google API keys (Gemini) and OpenAI-style secret keys.
	googleKeyRE = regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`)
	secretKeyRE = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}`)

	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits-only so it cannot match the hex segments of a UUID.
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// Redact replaces secrets and obvious PII in s. Keys go first, then UUIDs,
// then emails, then phone numbers (the loosest pattern).
func Redact(s string) string {
	if s == "" {
		return s
	}
	out := googleKeyRE.ReplaceAllString(s, "[REDACTED:key]")
	out = secretKeyRE.ReplaceAllString(out, "[REDACTED:key]")
	out = uuidRE.ReplaceAllString(out, "[REDACTED:id]")
	out = emailRE.ReplaceAllString(out, "[REDACTED:email]")
	out = phoneRE.ReplaceAllString(out, "[REDACTED:phone]")
	return out
}

// RedactOptions configures additional scrub behavior for RedactingLogger.
//
// MaskHeaders names extra headers whose values are replaced with
// "[REDACTED]". Matching is case-insensitive and merged with the built-in set
// (Authorization, Cookie, Set-Cookie, X-Goog-Api-Key).
type RedactOptions struct {
	MaskHeaders []string
}

// RedactingLogger returns a Gin middleware that logs each request with its
// headers, after masking sensitive headers and passing every other value
// through Redact. Level is INFO, WARN for 4xx and ERROR for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := map[string]struct{}{
		"authorization":  {},
		"cookie":         {},
		"set-cookie":     {},
		"x-goog-api-key": {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := Redact(c.Request.URL.RawQuery)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = Redact(strings.Join(vv, ", "))
		}

		c.Next()

		status := c.Writer.Status()
		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
		}

		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}

		ev.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
