package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/photoedit/photoedit-api/internal/config"
	"github.com/photoedit/photoedit-api/internal/domain/edit"
	"github.com/photoedit/photoedit-api/internal/domain/job"
	"github.com/photoedit/photoedit-api/internal/domain/ledger"
	"github.com/photoedit/photoedit-api/internal/domain/payment"
	"github.com/photoedit/photoedit-api/internal/middleware"
	"github.com/photoedit/photoedit-api/internal/pkg/database"
	"github.com/photoedit/photoedit-api/internal/pkg/eternal"
	"github.com/photoedit/photoedit-api/internal/pkg/imaging"
	"github.com/photoedit/photoedit-api/internal/pkg/jwt"
	"github.com/photoedit/photoedit-api/internal/pkg/logger"
	"github.com/photoedit/photoedit-api/internal/pkg/metrics"
	"github.com/photoedit/photoedit-api/internal/pkg/response"
	"github.com/photoedit/photoedit-api/internal/pkg/storage"
)

const jobIndexPrefix = "photoedit:"

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting PhotoEdit API")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *sqlx.DB
	var store ledger.Store
	if cfg.DatabaseURL != "" {
		var err error
		db, err = database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer database.ClosePostgres(db)

		if err := database.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate ledger schema")
		}
		store = ledger.NewPostgresStore(db)
	} else {
		log.Warn().Msg("DATABASE_URL not set, ledger is kept in memory")
		store = ledger.NewMemoryStore()
	}

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	jobs, jobBackend := newJobIndex(rdb, cfg)

	archive, err := newArchive(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up source archive")
	}

	provider := eternal.Select(eternal.Config{
		APIKey:    cfg.EternalAPIKey,
		SubmitURL: cfg.EternalAPIURL,
		ResultURL: cfg.EternalResultURL,
		Timeout:   cfg.EternalTimeout,
		UserAgent: "photoedit-api/1.0",
	}, !cfg.IsProduction())

	// Domain services
	ledgerService := ledger.NewService(store)
	editService := edit.NewService(edit.Config{
		CreditCost:     cfg.EditCreditCost,
		AllowAnonymous: cfg.AllowAnonymousEdits,
		SubmitTimeout:  cfg.EternalTimeout,
		PollTimeout:    cfg.EternalTimeout,
	}, ledgerService, jobs, provider, imaging.NewNormalizer(imaging.Config{MaxSide: cfg.ImageMaxSide}), archive)

	var stripeClient *payment.StripeClient
	var checkout payment.CheckoutCreator
	var fetcher payment.LineItemFetcher
	if cfg.StripeSecretKey != "" {
		stripeClient = payment.NewStripeClient(cfg.StripeSecretKey, cfg.StripeSuccessURL, cfg.StripeCancelURL)
		checkout, fetcher = stripeClient, stripeClient
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, checkout is disabled")
	}
	paymentService := payment.NewService(ledgerService, payment.NewCatalog(cfg.CreditPlans), checkout)

	authenticator := jwt.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	provision := func(ctx context.Context, userID string, email *string) error {
		_, err := ledgerService.EnsureUser(ctx, userID, email)
		return err
	}

	router := newRouter(routerDeps{
		allowedOrigins: cfg.AllowedOrigins,
		auth:           middleware.Auth(authenticator, provision),
		optionalAuth:   middleware.OptionalAuth(authenticator, provision),
		ledger:         ledger.NewHandler(ledgerService),
		edits:          edit.NewHandler(editService, cfg.CallbackToken),
		payments:       payment.NewHandler(paymentService, payment.NewDecoder(fetcher), cfg.StripeWebhookSecret),
		health: healthInfo{
			HasAPIKey:       cfg.EternalAPIKey != "",
			LedgerBackend:   ledgerBackend(db),
			JobIndexBackend: jobBackend,
		},
	})

	// With a Redis index the sweeper runs as its own process (cmd/sweeper).
	if rdb == nil {
		sweeper := edit.NewSweeper(editService, edit.SweeperConfig{
			Interval:  cfg.JobSweepInterval,
			MaxAge:    cfg.JobMaxAge,
			Retention: cfg.JobIndexTTL,
		})
		go sweeper.Run(ctx)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.EternalTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

type healthInfo struct {
	HasAPIKey       bool   `json:"has_api_key"`
	LedgerBackend   string `json:"ledger_backend"`
	JobIndexBackend string `json:"job_index_backend"`
}

type routerDeps struct {
	allowedOrigins []string
	auth           func(http.Handler) http.Handler
	optionalAuth   func(http.Handler) http.Handler
	ledger         *ledger.Handler
	edits          *edit.Handler
	payments       *payment.Handler
	health         healthInfo
}

func newRouter(d routerDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(d.allowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, struct {
			Status string `json:"status"`
			healthInfo
		}{Status: "ok", healthInfo: d.health})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/account", d.ledger.Routes(d.auth))
		r.Mount("/edits", d.edits.Routes(d.optionalAuth))
		r.Mount("/payments", d.payments.Routes(d.auth))
	})

	// Stripe and the generation provider share /webhooks.
	webhooks := d.payments.WebhookRoutes()
	webhooks.Mount("/", d.edits.WebhookRoutes())
	r.Mount("/webhooks", webhooks)

	return r
}

func newJobIndex(rdb *redis.Client, cfg *config.Config) (job.Index, string) {
	if rdb == nil {
		return job.NewMemoryIndex(), "memory"
	}
	return job.NewRedisIndex(rdb, jobIndexPrefix, cfg.JobIndexTTL), "redis"
}

func newArchive(ctx context.Context, cfg *config.Config) (edit.Archiver, error) {
	switch {
	case cfg.R2Enabled():
		r2, err := storage.NewR2Storage(ctx, storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("bucket", cfg.R2BucketName).Msg("Archiving source images to R2")
		return storage.NewArchive(r2), nil
	case cfg.ArchiveDir != "":
		local, err := storage.NewLocalStorage(cfg.ArchiveDir, "")
		if err != nil {
			return nil, err
		}
		log.Info().Str("dir", cfg.ArchiveDir).Msg("Archiving source images to disk")
		return storage.NewArchive(local), nil
	default:
		return nil, nil
	}
}

func ledgerBackend(db *sqlx.DB) string {
	if db == nil {
		return "memory"
	}
	return "postgres"
}
