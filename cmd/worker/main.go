package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/suPer8Hu/vidchat/internal/config"
	"github.com/suPer8Hu/vidchat/internal/db"
	"github.com/suPer8Hu/vidchat/internal/history"
	"github.com/suPer8Hu/vidchat/internal/logging"
	"github.com/suPer8Hu/vidchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/vidchat/internal/store/redisstore"
)

// The worker executes write-behind flushes requested over RabbitMQ and runs
// the periodic sweep.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Develop)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(gdb, history.Tables()...); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	rds, err := redisstore.New(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = rds.Close() }()

	hc := cfg.History
	flusher := history.NewFlusher(history.NewCache(rds, hc.CacheTTL), history.NewRepo(gdb), history.FlusherOptions{
		Interval:       hc.FlushInterval,
		BatchSize:      hc.FlushBatchSize,
		Concurrency:    hc.FlushConcurrency,
		CacheTimeout:   hc.CacheTimeout,
		DurableTimeout: hc.DurableTimeout,
		Logger:         logger,
	})
	if err := flusher.Start(ctx); err != nil {
		return err
	}
	defer flusher.Stop()

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitFlushQueue, cfg.WorkerConcurrency, logger)
	if err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	return consumer.Run(ctx, func(ctx context.Context, m rabbitmq.FlushMessage) error {
		n, err := flusher.FlushKey(ctx, m.Key())
		if err == nil && n > 0 {
			logger.Debug("flushed", zap.String("key", m.Key().String()), zap.Int("records", n))
		}
		return err
	})
}
