// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, security headers, idempotency, and rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-keypool-backend/internal/config"
	"github.com/tbourn/go-keypool-backend/internal/http/handlers"
	"github.com/tbourn/go-keypool-backend/internal/http/middleware"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// Services bundles the application services the routes dispatch to.
type Services struct {
	Chats    handlers.ChatService
	Messages handlers.MessageService
	Keys     handlers.KeyService
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Access log (plus header dump in debug mode)
//  4. Recovery: capture panics after logger
//  5. Body size limiter and gzip
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, svc Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())

	if cfg.GinMode == gin.DebugMode {
		r.Use(middleware.RedactingLogger(middleware.RedactOptions{
			MaskHeaders: []string{middleware.HeaderAdminToken},
		}))
	}
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())

	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		replayLookup(svc.Messages),
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	useCORS(r, cfg.CORS.AllowedOrigins)

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		CacheControl: cachePolicies(cfg.APIBasePath),
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(svc.Chats, svc.Messages, svc.Keys)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.GET("/models", h.ListModels)

		users := api.Group("/users/:user")
		users.POST("/register", h.Register)
		users.DELETE("", h.DeleteUser)

		users.POST("/messages", h.PostMessage)
		users.GET("/messages", h.ListMessages)

		users.POST("/chats", h.CreateChat)
		users.GET("/chats", h.ListChats)
		users.PUT("/chats/:id/title", h.UpdateChatTitle)
		users.DELETE("/chats/:id", h.DeleteChat)

		users.GET("/model", h.GetModel)
		users.PUT("/model", h.SetModel)
	}

	// Operator surface exists only when a token is configured.
	if cfg.Security.AdminToken != "" {
		admin := api.Group("/admin",
			middleware.RequireAdmin(cfg.Security.AdminToken),
		)
		admin.GET("/keys", h.ListKeys)
		admin.POST("/keys/:id/activate", h.ActivateKey)
		admin.POST("/keys/:id/deactivate", h.DeactivateKey)
	}
}

// replayLookup reports a replay when the user's idempotency key still maps
// to a stored reply. Lookup failures count as misses.
func replayLookup(msgs handlers.MessageService) middleware.IdempotencyLookup {
	if msgs == nil {
		return nil
	}
	return func(ctx context.Context, userID, key string, _ time.Time) (bool, error) {
		t, err := msgs.Replay(ctx, userID, key)
		if err != nil || t == nil {
			return false, nil
		}
		return true, nil
	}
}

// useCORS installs the CORS posture: allow all when no origins are
// configured, otherwise echo allowlisted origins.
func useCORS(r *gin.Engine, origins []string) {
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderIdempotencyKey, middleware.HeaderAdminToken,
	}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"}

	if len(origins) == 0 {
		// Force ACAO: * even for requests without an Origin header.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
		return
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	r.Use(func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	})
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     allowHeaders,
		ExposeHeaders:    exposeHeaders,
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
// cachePolicies keeps operator and per-user data out of shared caches.
// Transcripts may still be revalidated with their ETag.
func cachePolicies(base string) map[string]string {
	base = strings.TrimRight(base, "/")
	return map[string]string{
		base + "/admin":  "no-store",
		base + "/users/": "private, no-cache",
		base + "/models": "public, max-age=300",
	}
}

func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
