package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/billbatista/acasinha-ledger/api"
	"github.com/billbatista/acasinha-ledger/config"
	"github.com/billbatista/acasinha-ledger/database"
	"github.com/billbatista/acasinha-ledger/journal"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/migrations"
	"github.com/billbatista/acasinha-ledger/pending"
	"github.com/billbatista/acasinha-ledger/reconcile"
	"github.com/redis/go-redis/v9"
)

// sweepLockExpiry bounds how long a crashed sweeper blocks the others. A live
// holder keeps extending the lock.
const sweepLockExpiry = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		printErrorAndExit("loading config", err)
	}

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		printErrorAndExit("database connection", err)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db, migrations.FS); err != nil {
		printErrorAndExit("running migrations", err)
	}

	logger := slog.Default()

	journalStore := journal.NewSqlStore(db)
	worker := journal.NewWorker(journalStore, cfg.JournalBuffer, logger)
	worker.Start()
	defer worker.Shutdown()

	repo := ledger.NewRepository(db)

	opts := []reconcile.Option{
		reconcile.WithPolicy(cfg.Policy),
		reconcile.WithJournal(worker),
		reconcile.WithLogger(logger),
	}

	var dirty pending.Set
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			printErrorAndExit("pinging redis", err)
		}

		dirty = pending.NewRedisSet(client, cfg.DirtySetKey, logger)
		opts = append(opts, reconcile.WithSweepLocker(
			reconcile.NewRedisSweepLocker(client, cfg.DirtySetKey+":sweep-lock", sweepLockExpiry, logger),
		))
	} else {
		logger.Warn("REDIS_ADDR not set, dirty groups are kept in memory")
		dirty = pending.NewMemorySet()
	}

	coordinator := reconcile.NewCoordinator(repo, dirty, opts...)
	sweeper := reconcile.NewSweeper(coordinator, cfg.SweepInterval)
	sweeper.Start()
	defer sweeper.Shutdown()

	server := api.NewServer(repo, coordinator, journalStore, worker, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	logger.Info("server starting", "port", cfg.Port, "policy", cfg.Policy, "sweep_interval", cfg.SweepInterval)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		printErrorAndExit("http server", err)
	}
	logger.Info("server stopped")
}

func printErrorAndExit(msg string, e error) {
	slog.Error(msg, "error", e)
	os.Exit(1)
}
