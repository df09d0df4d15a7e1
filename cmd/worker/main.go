package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"takeoff-converter/internal/bus"
	"takeoff-converter/internal/config"
	"takeoff-converter/internal/conversion"
	"takeoff-converter/internal/modelgraph"
	"takeoff-converter/internal/modelstorage"
	"takeoff-converter/internal/notify"
	"takeoff-converter/internal/retry"
	"takeoff-converter/internal/saga"
	"takeoff-converter/internal/store"
	"takeoff-converter/internal/telemetry"
	"takeoff-converter/internal/tokenrelay"
	workerproc "takeoff-converter/internal/worker"
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

	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		fatal("Connecting to postgres failed.", err)
	}
	defer st.Close()

	applied, err := st.RunMigrations(ctx)
	if err != nil {
		fatal("Running migrations failed.", err)
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

	keys, err := tokenrelay.NewKMSKeys(ctx, cfg.KMSRegion, cfg.KMSKeyID)
	if err != nil {
		fatal("Initialising KMS failed.", err)
	}
	dest, err := modelstorage.NewS3Destination(ctx, modelstorage.S3Options{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
		URLTTL:    cfg.DownloadURLTTL,
		PartSize:  cfg.S3UploadPartSize,
	})
	if err != nil {
		fatal("Initialising S3 destination failed.", err)
	}
	storage := &modelstorage.Storage{
		HTTPSource:    modelstorage.NewHTTPSource(cfg.SourceBaseURL, cfg.SourceDownloadTimeout, cfg.SourceMaxBytes),
		S3Destination: dest,
	}

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	jobLogger := logger.With("workerId", workerID)

	notifier := notify.NewRedisNotifier(rdb)
	pipeline := conversion.NewPipeline(
		tokenrelay.NewRelay(keys),
		storage,
		modelgraph.JSONParser{},
		st,
		notifier,
		jobLogger,
		conversion.Options{
			Workers:  cfg.WorkerParallelism,
			URLRetry: retry.Policy{MaxAttempts: cfg.URLRetryAttempts, Schedule: cfg.URLRetrySchedule},
		},
	)

	eventBus := bus.New(rdb, bus.Options{Prefix: cfg.BusPrefix, VisibilityTimeout: cfg.VisibilityTimeout})
	results := workerproc.NewResultPublisher(eventBus, retry.DefaultPolicy(), jobLogger)
	orch := saga.NewOrchestrator(st, notifier, pipeline, results, jobLogger, saga.WithAuditor(st))

	processor := workerproc.NewProcessorWithID(cfg, eventBus, logger, workerID)
	processor.RegisterHandler(bus.TopicStart, workerproc.StartHandler(orch))
	processor.RegisterHandler(bus.TopicResult, workerproc.ResultHandler(orch))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("Metrics server stopped.", "error", err)
		}
	}()

	jobLogger.Info("Worker started.", "visibility", cfg.VisibilityTimeout, "backoffInitial", cfg.BackoffInitial, "parallelism", cfg.WorkerParallelism)
	if err := processor.Run(ctx); err != nil {
		logger.Info("Worker stopped.", "reason", err)
	}
}
