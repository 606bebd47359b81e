// Command server runs the key-pool chat backend.
//
// @title          Key Pool Chat API
// @version        1.0
// @description    Multi-user chat front end that shares a pool of upstream model API keys.
// @BasePath       /api/v1
// @schemes        http https
// @securityDefinitions.apikey AdminToken
// @in             header
// @name           X-Admin-Token
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "github.com/tbourn/go-keypool-backend/docs"
	"github.com/tbourn/go-keypool-backend/internal/config"
	httpapi "github.com/tbourn/go-keypool-backend/internal/http"
	"github.com/tbourn/go-keypool-backend/internal/keypool"
	"github.com/tbourn/go-keypool-backend/internal/observability"
	"github.com/tbourn/go-keypool-backend/internal/repo"
	"github.com/tbourn/go-keypool-backend/internal/services"
	"github.com/tbourn/go-keypool-backend/internal/sysutil"
	"github.com/tbourn/go-keypool-backend/internal/upstream"
	"github.com/tbourn/go-keypool-backend/internal/userlock"
	"github.com/tbourn/go-keypool-backend/internal/window"
)

// idempotencySweep is how often expired idempotency records are purged.
const idempotencySweep = 10 * time.Minute

func main() {
	// .env is optional; real environment wins.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty)
	version := sysutil.Version()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, version); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config, version string) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DBDriver, cfg.DBDSN, cfg.DBPath, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := observability.InstrumentDB(db, cfg.OTEL); err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	store := repo.NewStore(db)

	var locks userlock.Locker = userlock.NewLocal()
	if cfg.Pool.RedisURL != "" {
		rdb, err := userlock.OpenRedis(ctx, cfg.Pool.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locks = userlock.NewRedis(rdb, cfg.Pool.LockTTL)
		log.Info().Msg("user locks backed by redis")
	}

	keys := keypool.New(store, locks)
	keySvc := &services.KeyService{DB: db, Keys: keys}
	rep, err := keySvc.Load(ctx, cfg.Pool.APIKeys, cfg.Pool.MaxUsersPerKey)
	if err != nil {
		return err
	}
	log.Info().
		Int("inserted", rep.Inserted).
		Int("total", rep.Total).
		Int("active", rep.Active).
		Int("max_users_per_key", cfg.Pool.MaxUsersPerKey).
		Msg("credential pool loaded")
	if rep.Active == 0 {
		log.Warn().Msg("no active credentials; every registration will report capacity exhausted")
	}

	var gen upstream.Generator
	switch cfg.Upstream.Provider {
	case "openai":
		gen = upstream.NewOpenAICompat(cfg.Upstream.BaseURL, cfg.Upstream.Timeout)
	default:
		gen = upstream.NewGemini(cfg.Upstream.BaseURL, cfg.Upstream.Timeout)
	}
	catalog := upstream.NewCatalog(upstream.DefaultModels, cfg.Upstream.DefaultModel)

	var summarizer window.Summarizer = window.Digest{}
	if cfg.Window.SummaryMode == "upstream" {
		summarizer = &services.UpstreamSummarizer{
			DB:        db,
			Keys:      keys,
			Generator: gen,
			Catalog:   catalog,
			Retries:   cfg.Upstream.Retries,
			Backoff:   cfg.Upstream.Backoff,
			Fallback:  window.Digest{},
		}
	}
	windows := window.New(store, cfg.Window.Size, summarizer, locks)

	msgSvc := &services.MessageService{
		DB:               db,
		Keys:             keys,
		Windows:          windows,
		Generator:        gen,
		Catalog:          catalog,
		SystemPrompt:     cfg.Upstream.SystemPrompt,
		MaxPromptRunes:   cfg.Upstream.MaxPromptRunes,
		Retries:          cfg.Upstream.Retries,
		Backoff:          cfg.Upstream.Backoff,
		MaxReassignments: cfg.Upstream.MaxReassignments,
		IdempotencyTTL:   cfg.IdempotencyTTL,
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Services{
		Chats:    services.NewChatService(db, keys, windows, catalog),
		Messages: msgSvc,
		Keys:     keySvc,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Str("provider", cfg.Upstream.Provider).
			Str("db", cfg.DBDriver).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		sweepIdempotency(gctx, db, idempotencySweep)
		return nil
	})
	return g.Wait()
}

// sweepIdempotency purges expired idempotency records every interval until
// ctx is done.
func sweepIdempotency(ctx context.Context, db *gorm.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("idempotency sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("idempotency sweep")
			}
		}
	}
}
