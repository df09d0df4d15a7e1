package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"takeoff-converter/internal/bus"
	"takeoff-converter/internal/cli"
	"takeoff-converter/internal/config"
	"takeoff-converter/internal/store"
)

func main() {
	if err := cli.RootCmd(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func open(ctx context.Context) (*cli.Env, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	release := func() {
		_ = rdb.Close()
		st.Close()
	}
	return &cli.Env{
		Bus:         bus.New(rdb, bus.Options{Prefix: cfg.BusPrefix, VisibilityTimeout: cfg.VisibilityTimeout}),
		Conversions: st,
	}, release, nil
}
