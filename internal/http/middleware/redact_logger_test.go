package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRedact(t *testing.T) {
	gkey := "AIza" + strings.Repeat("Ab3_-", 7)
	cases := map[string]struct{ in, want string }{
		"empty":      {"", ""},
		"google key": {"key=" + gkey + "&x=1", "key=[REDACTED:key]&x=1"},
		"secret key": {"token sk-abcdefghijklmnopqrstuvwx", "token [REDACTED:key]"},
		"short sk":   {"sk-short", "sk-short"},
		"uuid":       {"id=123e4567-e89b-12d3-a456-426614174000", "id=[REDACTED:id]"},
		"email":      {"mail a.b+tag@example.com", "mail [REDACTED:email]"},
		"phone":      {"call 555-123-4567", "call [REDACTED:phone]"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := Redact(tc.in); got != tc.want {
				t.Fatalf("Redact(%q) = %q; want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRedactingLogger_InfoAndRedactions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Header("X-Request-ID", "rid-resp")
		c.Next()
	})
	r.Use(RedactingLogger(RedactOptions{MaskHeaders: []string{HeaderAdminToken}}))
	r.GET("/users/:user/messages", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	gkey := "AIza" + strings.Repeat("k", 35)
	req := httptest.NewRequest(http.MethodGet, "/users/123/messages?email=a@example.com&key="+gkey, nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Goog-Api-Key", gkey)
	req.Header.Set(HeaderAdminToken, "operator-secret")
	req.Header.Set("X-Custom", "forwarded "+gkey+" for a@b.com")
	req.Header.Set("X-Request-ID", "rid-req")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	logs := buf.String()
	for _, want := range []string{
		`"level":"info"`,
		`"path":"/users/:user/messages"`,
		`"request_id":"rid-resp"`,
		`"Authorization":"[REDACTED]"`,
		`"X-Goog-Api-Key":"[REDACTED]"`,
		`"X-Admin-Token":"[REDACTED]"`,
		`"X-Custom":"forwarded [REDACTED:key] for [REDACTED:email]"`,
		`[REDACTED:email]`,
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing %s in: %s", want, logs)
		}
	}
	if strings.Contains(logs, gkey) || strings.Contains(logs, "operator-secret") {
		t.Fatalf("secret leaked: %s", logs)
	}
}

func TestRedactingLogger_WarnAndErrorLevels_RequestIDFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.GET("/warn", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/error", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for path, rid := range map[string]string{"/warn": "rid-warn", "/error": "rid-err"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Request-ID", rid)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	logs := buf.String()
	if !strings.Contains(logs, `"level":"warn"`) || !strings.Contains(logs, `"request_id":"rid-warn"`) {
		t.Fatalf("warn log not found or missing request_id fallback: %s", logs)
	}
	if !strings.Contains(logs, `"level":"error"`) || !strings.Contains(logs, `"request_id":"rid-err"`) {
		t.Fatalf("error log not found or missing request_id fallback: %s", logs)
	}
}
