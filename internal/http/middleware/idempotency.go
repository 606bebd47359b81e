// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency support for message sends. It validates an
// Idempotency-Key request header, asks a lookup whether the key already
// produced a reply for the user, and annotates the request context so
// downstream handlers can:
//   - read the normalized key (GetIdempotencyKey)
//   - detect replayed requests (IsReplay)
//   - bypass rate limiting when a replay is served (via an internal flag)
//
// Persistence is behind the IdempotencyLookup function type; this file only
// deals with headers and context.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the canonical request header that clients use to
// convey an idempotency key for unsafe operations (e.g., POST).
const HeaderIdempotencyKey = "Idempotency-Key"

// Context keys used internally to stash idempotency state.
const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: true when a stored replay exists
	ctxKeyRateBypass = "rate.bypass" // bool: true to skip rate limiting
	ctxKeyUserID     = "userID"
)

// defaultKeyPattern accepts RFC-7230-ish tokens plus common safe characters.
var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the validated idempotency key stored in the Gin
// context by IdempotencyValidator. The second return value indicates presence.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the lookup found a reply already recorded for this
// user and key.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures header validation behavior for
// IdempotencyValidator. TTL enforcement belongs to the lookup.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters; defaults to defaultKeyPattern.
	Pattern *regexp.Regexp
}

// IdempotencyLookup answers whether a still-valid reply exists for
// (userID, key) at the given time. Return an error only for lookup failures;
// they do not block normal processing.
type IdempotencyLookup func(ctx context.Context, userID, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator validates the Idempotency-Key header (if present),
// stashes it in the request context, and checks for a prior reply via the
// supplied lookup.
//
// Behavior:
//   - If header is absent: the middleware is a no-op.
//   - If header fails validation: responds 400 with a compact error body.
//   - If lookup indicates a replay: sets replay + rate-bypass flags.
//   - Always invokes the next handler unless validation fails.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			SetErrorCode(c, "bad_idempotency_key")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}

		c.Set(ctxKeyIdemKey, key)

		if uid := UserID(c); lookup != nil && uid != "" {
			if exists, _ := lookup(c.Request.Context(), uid, key, time.Now().UTC()); exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}

		c.Next()
	}
}

// UserID returns the user a request acts for: the :user path parameter when
// the route has one, otherwise an identity set by earlier middleware under
// "userID". It returns "" for anonymous routes.
func UserID(c *gin.Context) string {
	if s := strings.TrimSpace(c.Param("user")); s != "" {
		return s
	}
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
