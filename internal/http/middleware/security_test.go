package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

var testPolicies = map[string]string{
	"/api/v1/admin":  "no-store",
	"/api/v1/users/": "private, no-cache",
	"/api/v1/models": "public, max-age=300",
}

func serveWith(t *testing.T, opt SecurityOptions, pre gin.HandlerFunc, req *http.Request) http.Header {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if pre != nil {
		r.Use(pre)
	}
	r.Use(SecurityHeaders(opt))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/health", ok)
	r.GET("/api/v1/models", ok)
	r.GET("/api/v1/users/:user/messages", ok)
	r.GET("/api/v1/admin/keys", ok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Header()
}

func get(target string) *http.Request { return httptest.NewRequest(http.MethodGet, target, nil) }

func TestSecurityHeaders_Baseline(t *testing.T) {
	h := serveWith(t, SecurityOptions{}, nil, get("/health"))
	if h.Get("X-Content-Type-Options") != "nosniff" ||
		h.Get("X-Frame-Options") != "DENY" ||
		h.Get("Referrer-Policy") != "no-referrer" {
		t.Fatalf("baseline headers missing: %#v", h)
	}
	for _, k := range []string{"Cache-Control", "Pragma", "Strict-Transport-Security"} {
		if h.Get(k) != "" {
			t.Fatalf("unexpected %s: %q", k, h.Get(k))
		}
	}
}

func TestSecurityHeaders_CachePolicyByRoute(t *testing.T) {
	cases := []struct {
		target, cache, pragma string
	}{
		{"/api/v1/admin/keys", "no-store", "no-cache"},
		{"/api/v1/users/alice/messages", "private, no-cache", ""},
		{"/api/v1/models", "public, max-age=300", ""},
		{"/health", "", ""},
		// Unmatched routes are labelled "unmatched" and get no policy.
		{"/api/v1/admin/nope", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.target, func(t *testing.T) {
			h := serveWith(t, SecurityOptions{CacheControl: testPolicies}, nil, get(tc.target))
			if got := h.Get("Cache-Control"); got != tc.cache {
				t.Fatalf("Cache-Control = %q; want %q", got, tc.cache)
			}
			if got := h.Get("Pragma"); got != tc.pragma {
				t.Fatalf("Pragma = %q; want %q", got, tc.pragma)
			}
		})
	}
}

func Test_cachePolicy_LongestPrefixWins(t *testing.T) {
	p := map[string]string{"/a": "short", "/a/b": "long"}
	if got := cachePolicy(p, "/a/b/c"); got != "long" {
		t.Fatalf("got %q", got)
	}
	if got := cachePolicy(p, "/a/x"); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := cachePolicy(nil, "/a"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestSecurityHeaders_ExposesDomainHeaders(t *testing.T) {
	cases := map[string]struct{ existing, want string }{
		"added":     {"", "X-Request-ID, Retry-After, Idempotency-Replayed, ETag"},
		"appended":  {"Foo", "Foo, X-Request-ID, Retry-After, Idempotency-Replayed, ETag"},
		"no repeat": {"etag, X-Request-ID", "etag, X-Request-ID, Retry-After, Idempotency-Replayed"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			pre := func(c *gin.Context) {
				if tc.existing != "" {
					c.Header("Access-Control-Expose-Headers", tc.existing)
				}
				c.Next()
			}
			h := serveWith(t, SecurityOptions{}, pre, get("/health"))
			if got := h.Get("Access-Control-Expose-Headers"); got != tc.want {
				t.Fatalf("expose = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	req := get("/health")
	req.TLS = &tls.ConnectionState{}
	h := serveWith(t, SecurityOptions{EnableHSTS: true, HSTSMaxAge: 24 * time.Hour}, nil, req)
	if got := h.Get("Strict-Transport-Security"); got != "max-age=86400; includeSubDomains" {
		t.Fatalf("HSTS = %q", got)
	}

	// Plain HTTP never gets HSTS; a proxy saying https does.
	if serveWith(t, SecurityOptions{EnableHSTS: true}, nil, get("/health")).Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS sent over plain HTTP")
	}
	proxied := get("/health")
	proxied.Header.Set("X-Forwarded-Proto", "https")
	if got := serveWith(t, SecurityOptions{EnableHSTS: true}, nil, proxied).Get("Strict-Transport-Security"); got != "max-age=15552000; includeSubDomains" {
		t.Fatalf("default HSTS = %q", got)
	}
}
