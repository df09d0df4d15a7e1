package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "takeoff-converter/internal/api"
	"takeoff-converter/internal/bus"
	"takeoff-converter/internal/config"
	"takeoff-converter/internal/notify"
	"takeoff-converter/internal/ratelimit"
	"takeoff-converter/internal/store"
	"takeoff-converter/internal/tokenrelay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, closeLog := config.SetupLogger(cfg.LogFile, config.ParseLevel(cfg.LogLevel))
	defer func() { _ = closeLog() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("Connecting to postgres failed.", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	applied, err := st.RunMigrations(ctx)
	if err != nil {
		logger.Error("Running migrations failed.", "error", err)
		os.Exit(1)
	}
	if len(applied) > 0 {
		logger.Info("Applied migrations.", "migrations", applied)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	deps := api.Deps{
		Sagas:         st,
		Audit:         st,
		Metadata:      st,
		Bus:           bus.New(rdb, bus.Options{Prefix: cfg.BusPrefix, VisibilityTimeout: cfg.VisibilityTimeout}),
		Limiter:       ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL),
		Notifications: notify.NewRedisNotifier(rdb),
		Logger:        logger,
	}
	if cfg.KMSKeyID != "" {
		keys, err := tokenrelay.NewKMSKeys(ctx, cfg.KMSRegion, cfg.KMSKeyID)
		if err != nil {
			logger.Error("Initialising KMS failed.", "error", err)
			os.Exit(1)
		}
		deps.Keys = keys
	} else {
		logger.Warn("KMS_KEY_ID not set; bearer tokens will be rejected.")
	}

	server := api.New(cfg, deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("API listening.", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped.", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
