package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/feed"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/policy"
	"github.com/stemsi/exstem-proctor/internal/queue"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	clk := clock.RealClock{}

	// ─── Initialize Repositories ───────────────────────────────────────
	outcomeRepo := repository.NewOutcomeRepository(pool)
	violationRepo := repository.NewViolationRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	producer := queue.NewProducer(rdb, log)
	subscriber := feed.NewSubscriber(rdb, log)
	gw := gateway.NewQueueGateway(producer, clk, log)
	risk := policy.New(cfg.RiskAlertThreshold, cfg.RiskAutoTerminate, cfg.RiskAutoTerminateEnabled)

	authService := service.NewAuthService(cfg)
	sessionService := service.NewSessionService(cfg, gw, producer, subscriber, risk, clk, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	violationLimiter := middleware.NewRateLimiter(cfg.ViolationRatePerSec, cfg.ViolationBurst)
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService),
		WS:      handler.NewWSHandler(sessionService, violationLimiter, log, cfg.AllowedOrigins),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, violationLimiter, cfg, log)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Background Workers ───────────────────────────────────────────
	// Workers get their own context so they keep draining while the HTTP
	// server and session pumps shut down.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	broker := worker.NewRedisBroker(rdb)
	workers := []interface{ Start(context.Context) }{
		worker.NewOutcomeWorker(outcomeRepo, broker, clk, log),
		worker.NewViolationWorker(violationRepo, broker, clk, log),
		worker.NewAutosaveWorker(answerRepo, broker, clk, log),
	}

	wg, workerCtx := errgroup.WithContext(workerCtx)
	for _, w := range workers {
		w := w
		wg.Go(func() error {
			w.Start(workerCtx)
			return nil
		})
	}

	// ─── Serve ─────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		violationLimiter.Run(gctx.Done())
		return nil
	})

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 1. Stop accepting new HTTP requests.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		// 2. Stop session pumps; no more events reach the queues after this.
		if err := sessionService.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Session shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
	}

	// 3. Stop background workers and wait for their final flush.
	workerCancel()
	if err := wg.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
