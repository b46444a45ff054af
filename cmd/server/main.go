package main

// @title        xPOS sync API
// @version      1.0
// @description  Kiosk sync and fiscal job endpoints.
// @BasePath     /
// @securityDefinitions.apikey BearerAuth
// @in           header
// @name         Authorization

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xpos/internal/config"
	"xpos/internal/infra"
	"xpos/internal/repository"
	"xpos/internal/router"
	"xpos/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)

	db, err := infra.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	// Without REDIS_URL the queue lives in process; only valid for a
	// single server instance.
	var rdb *redis.Client
	var queue worker.Queue
	if cfg.RedisURL != "" {
		rdb, err = infra.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		queue = worker.NewRedisQueue(rdb)
	} else {
		log.Warn().Msg("REDIS_URL empty: using in-process job queue")
		queue = worker.NewMemoryQueue()
	}

	// Worker handlers are wired here (composition root) so that the pool
	// has full access to all infrastructure dependencies.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	breakers := infra.NewBreakerSet(infra.DefaultBreakerConfig())
	dispatcher := worker.NewDispatcher(queue)
	mailer := infra.NewMailer(cfg)

	jobRepo := repository.NewFiscalJobRepository(db)
	saleRepo := repository.NewSaleRepository(db)
	configRepo := repository.NewCachedFiscalConfigRepository(
		repository.NewFiscalConfigRepository(db), rdb, cfg.FiscalConfigCacheTTL())

	var emailDispatcher *worker.Dispatcher
	if mailer.Enabled() {
		emailDispatcher = dispatcher
	}
	fiscalWorker := worker.NewFiscalWorker(worker.FiscalWorkerConfig{
		Jobs:           jobRepo,
		Sales:          saleRepo,
		Configs:        configRepo,
		Breakers:       breakers,
		Dispatcher:     emailDispatcher,
		DLQ:            queue,
		PrinterTimeout: cfg.PrinterTimeout(),
		RetryBase:      cfg.RetryBase(),
		PDFPath:        cfg.ReceiptPDFPath,
		BusinessName:   cfg.BusinessName,
	})

	lanes := worker.NewLanePool(fiscalWorker, cfg.WorkerPoolSize, time.Minute, worker.NewKeyedMutex(), breakers)
	lanes.Start(ctx)

	intake := worker.StartIntake(ctx, queue, worker.Handlers{
		Fiscal: lanes.HandleNotice,
		Email:  worker.NewEmailWorker(mailer, queue).Process,
	}, cfg.IntakeWorkers)

	worker.StartSweeper(ctx, worker.SweeperConfig{
		Jobs:              jobRepo,
		Sales:             saleRepo,
		Worker:            fiscalWorker,
		Lanes:             lanes,
		Interval:          cfg.SweepInterval(),
		ProcessingTimeout: cfg.ProcessingTimeout(),
	})

	r := router.New(cfg, db, rdb, router.Pipeline{
		Queue:      queue,
		Dispatcher: dispatcher,
		Lanes:      lanes,
		Breakers:   breakers,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // shift status waits for the printer lane
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM
	go func() {
		log.Info().Msgf("xPOS server listening on :%d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server…")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}

	// Stop intake and lanes; in-flight printer calls finish within their timeout.
	cancel()
	intake.Wait()
	lanes.Wait()
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info().Msg("server exited")
}

// setupLogger: dev pretty console, prod JSON.
func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Env == "production" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
