package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/punchamoorthee/paygate/internal/bank"
	"github.com/punchamoorthee/paygate/internal/config"
	"github.com/punchamoorthee/paygate/internal/engine"
	"github.com/punchamoorthee/paygate/internal/idempotency"
	"github.com/punchamoorthee/paygate/internal/store"
)

// Standalone worker process. Run any number of these against the same
// database; the queue's SKIP LOCKED claim keeps them from stepping on each
// other.
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
	gateway := bank.NewSimulator(cfg.BankMinDelay, cfg.BankMaxDelay, cfg.BankSuccessRate)
	eng := engine.New(ledger, queue, gateway, cfg.BankCallTimeout, log)

	engine.NewWorker(eng, queue, idemStore, cfg.WorkerCount, cfg.PollInterval, log).Run(ctx)
}
