package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/vidchat/internal/ai"
	"github.com/suPer8Hu/vidchat/internal/auth"
	"github.com/suPer8Hu/vidchat/internal/chat"
	"github.com/suPer8Hu/vidchat/internal/config"
	"github.com/suPer8Hu/vidchat/internal/db"
	"github.com/suPer8Hu/vidchat/internal/history"
	"github.com/suPer8Hu/vidchat/internal/httpapi"
	"github.com/suPer8Hu/vidchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/vidchat/internal/logging"
	"github.com/suPer8Hu/vidchat/internal/models"
	"github.com/suPer8Hu/vidchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/vidchat/internal/store/redisstore"
)

func main() {
	usage := flag.Bool("h", false, "print the supported environment variables")
	flag.Parse()
	if *usage {
		_ = config.Usage()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func aiSettings(cfg config.Config) ai.Settings {
	if strings.EqualFold(cfg.AIProvider, "openrouter") {
		return ai.Settings{BaseURL: cfg.OpenRouterBaseURL, APIKey: cfg.OpenRouterAPIKey, Model: cfg.OpenRouterModel}
	}
	return ai.Settings{BaseURL: cfg.OllamaBaseURL, Model: cfg.OllamaModel, VisionModel: cfg.OllamaVisionModel}
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
	if err := db.Migrate(gdb, append([]any{&models.User{}}, history.Tables()...)...); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}

	rds, err := redisstore.New(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = rds.Close() }()

	hc := cfg.History
	policy, err := history.ParsePolicy(hc.Policy)
	if err != nil {
		return err
	}
	cache := history.NewCache(rds, hc.CacheTTL)
	repo := history.NewRepo(gdb)
	dir := auth.NewDirectory(gdb)

	var trigger history.FlushTrigger
	if policy == history.WriteBehind {
		flusher := history.NewFlusher(cache, repo, history.FlusherOptions{
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
		trigger = flusher

		if strings.EqualFold(hc.FlushTrigger, "rabbitmq") {
			pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitFlushQueue, logger)
			if err != nil {
				return fmt.Errorf("rabbitmq: %w", err)
			}
			defer func() { _ = pub.Close() }()
			trigger = pub
		}
	}

	var managers []*history.Manager
	for stream, capacity := range map[history.Stream]int{
		history.StreamChat:          hc.ChatCacheCap,
		history.StreamVideoAnalysis: hc.AnalysisCacheCap,
	} {
		m, err := history.NewManager(cache, repo, dir, history.Options{
			Stream:           stream,
			Policy:           policy,
			CacheCap:         capacity,
			DefaultPageSize:  hc.DefaultPageSize,
			MaxPageSize:      hc.MaxPageSize,
			CacheTimeout:     hc.CacheTimeout,
			DurableTimeout:   hc.DurableTimeout,
			EmptyPageOnError: hc.EmptyPageOnError,
			BatchThreshold:   hc.BatchThreshold,
			Trigger:          trigger,
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		managers = append(managers, m)
	}
	hist := history.NewService(managers...)

	engine, err := ai.DefaultRegistry().Engine(ctx, cfg.AIProvider, aiSettings(cfg))
	if err != nil {
		return err
	}

	h := &handlers.Handler{
		Users:          dir,
		Revoker:        auth.NewRevoker(rds),
		History:        hist,
		Chat:           chat.NewService(hist, engine, cfg.ChatContextWindowSize, logger),
		JWTSecret:      cfg.JWTSecret,
		JWTTTL:         cfg.JWTTTL,
		MaxUploadBytes: cfg.VideoMaxBytes,
		Log:            logger,
	}
	srv := &http.Server{
		Addr:              cfg.HTTPListen,
		Handler:           httpapi.NewRouter(h, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPListen), zap.Stringer("policy", policy))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
