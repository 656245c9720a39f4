package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/paygate/internal/api"
	"github.com/punchamoorthee/paygate/internal/bank"
	"github.com/punchamoorthee/paygate/internal/config"
	"github.com/punchamoorthee/paygate/internal/engine"
	"github.com/punchamoorthee/paygate/internal/idempotency"
	"github.com/punchamoorthee/paygate/internal/ratelimit"
	"github.com/punchamoorthee/paygate/internal/store"
)

func main() {
	log := zap.Must(zap.NewProduction())
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := store.Connect(ctx, cfg.DBSource)
	if err != nil {
		log.Fatal("unable to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	ledger := store.NewStore(dbPool)
	if err := ledger.Migrate(ctx); err != nil {
		log.Fatal("schema migration failed", zap.Error(err))
	}

	queue := store.NewQueue(dbPool)
	idemStore := idempotency.NewPostgresStore(dbPool, cfg.IdempotencyTTL)
	limiter := ratelimit.New(ratelimit.NewPostgresEntryStore(dbPool))
	gateway := bank.NewSimulator(cfg.BankMinDelay, cfg.BankMaxDelay, cfg.BankSuccessRate)
	eng := engine.New(ledger, queue, gateway, cfg.BankCallTimeout, log)

	// In-process workers; cmd/worker runs the same pool standalone when
	// consumption is scaled across processes.
	worker := engine.NewWorker(eng, queue, idemStore, cfg.WorkerCount, cfg.PollInterval, log)
	go worker.Run(ctx)

	handler := api.NewHandler(ledger, eng, idemStore, limiter, queue, cfg.WebhookSecret,
		cfg.RateLimitBalancePerMin, cfg.RateLimitTxnPerMin, cfg.RateLimitGlobalPerMin, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewRouter(handler),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
}
