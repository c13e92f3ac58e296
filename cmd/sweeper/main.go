package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/photoedit/photoedit-api/internal/config"
	"github.com/photoedit/photoedit-api/internal/domain/edit"
	"github.com/photoedit/photoedit-api/internal/domain/job"
	"github.com/photoedit/photoedit-api/internal/domain/ledger"
	"github.com/photoedit/photoedit-api/internal/pkg/database"
	"github.com/photoedit/photoedit-api/internal/pkg/eternal"
	"github.com/photoedit/photoedit-api/internal/pkg/imaging"
	"github.com/photoedit/photoedit-api/internal/pkg/logger"
)

const jobIndexPrefix = "photoedit:"

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	if cfg.DatabaseURL == "" || cfg.RedisURL == "" {
		log.Fatal().Msg("sweeper needs DATABASE_URL and REDIS_URL")
	}

	log.Info().Msg("Starting sweeper")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate ledger schema")
	}

	provider := eternal.Select(eternal.Config{
		APIKey:    cfg.EternalAPIKey,
		SubmitURL: cfg.EternalAPIURL,
		ResultURL: cfg.EternalResultURL,
		Timeout:   cfg.EternalTimeout,
		UserAgent: "photoedit-sweeper/1.0",
	}, false)

	svc := edit.NewService(edit.Config{
		CreditCost:  cfg.EditCreditCost,
		PollTimeout: cfg.EternalTimeout,
	}, ledger.NewService(ledger.NewPostgresStore(db)),
		job.NewRedisIndex(rdb, jobIndexPrefix, cfg.JobIndexTTL),
		provider, imaging.NewNormalizer(imaging.DefaultConfig()), nil)

	sweeper := edit.NewSweeper(svc, edit.SweeperConfig{
		Interval:  cfg.JobSweepInterval,
		MaxAge:    cfg.JobMaxAge,
		Retention: cfg.JobIndexTTL,
	})

	if *once {
		stats, err := sweeper.Sweep(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Sweep failed")
		}
		log.Info().Interface("stats", stats).Msg("Sweep done")
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	sweeper.Run(ctx)
	log.Info().Msg("sweeper stopped")
}
