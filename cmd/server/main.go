// Command server starts the ClipFlow API HTTP service together with the
// transcode scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"clipflow/internal/api"
	"clipflow/internal/auth"
	"clipflow/internal/notify"
	"clipflow/internal/objectstore"
	"clipflow/internal/observability/logging"
	"clipflow/internal/observability/metrics"
	"clipflow/internal/queue"
	"clipflow/internal/server"
	"clipflow/internal/storage"
	"clipflow/internal/stream"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")

	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	maxAttempts := flag.Int("job-max-attempts", 0, "transcode attempts before a job fails permanently")

	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for playback URLs")
	objectPresignExpiry := flag.Duration("object-presign-expiry", 0, "lifetime of presigned part upload URLs")

	streamAPIURL := flag.String("stream-api-url", "", "stream provider API base URL")
	streamAccountID := flag.String("stream-account-id", "", "stream provider account id")
	streamAPIToken := flag.String("stream-api-token", "", "stream provider API token")

	workerConcurrency := flag.Int("worker-concurrency", 0, "maximum transcode jobs processed in parallel")
	sweepInterval := flag.Duration("queue-sweep-interval", 0, "interval between queue sweeps")
	stalledAfter := flag.Duration("queue-stalled-after", 0, "age after which a processing job is considered stalled")
	ingestTimeout := flag.Duration("ingest-timeout", 0, "how long to wait for the provider to finish one ingest")

	webhookURL := flag.String("webhook-url", "", "endpoint notified about pipeline events")
	webhookToken := flag.String("webhook-token", "", "bearer token sent with webhook deliveries")
	eventsRedisURL := flag.String("events-redis-url", "", "Redis URL for the event stream")
	eventsRedisStream := flag.String("events-redis-stream", "", "Redis stream key for pipeline events")
	eventsRedisMaxLen := flag.Int64("events-redis-maxlen", 0, "approximate cap on the Redis event stream length")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum upload starts per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting upload starts")
	rateRedisURL := flag.String("rate-redis-url", "", "Redis URL for distributed upload throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")

	apiTokens := flag.String("api-tokens", "", "comma separated bearer tokens allowed to call the API")
	corsOrigins := flag.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	downloadExpiry := flag.Duration("download-expiry", 0, "lifetime of presigned download URLs")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CLIPFLOW_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CLIPFLOW_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("CLIPFLOW_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("CLIPFLOW_ADDR"))

	ctx := context.Background()

	postgresResolvedDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("CLIPFLOW_STORAGE_DRIVER"), postgresResolvedDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && driver != "postgres" {
		logger.Error("production mode requires the postgres datastore driver", "driver", driver)
		os.Exit(1)
	}

	var options []storage.Option
	if attempts := resolveInt(*maxAttempts, "CLIPFLOW_JOB_MAX_ATTEMPTS"); attempts > 0 {
		options = append(options, storage.WithMaxAttempts(attempts))
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("CLIPFLOW_DATA"))
		store, err = storage.NewStorage(dataFile, options...)
	case "postgres":
		if postgresResolvedDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		pgOptions := append([]storage.Option(nil), options...)
		maxConns := resolveInt(*postgresMaxConns, "CLIPFLOW_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "CLIPFLOW_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "CLIPFLOW_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "CLIPFLOW_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "CLIPFLOW_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("CLIPFLOW_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(ctx, postgresResolvedDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("CLIPFLOW_OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("CLIPFLOW_OBJECT_REGION")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("CLIPFLOW_OBJECT_BUCKET")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("CLIPFLOW_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("CLIPFLOW_OBJECT_SECRET_KEY")),
		UseSSL:         resolveBool(*objectUseSSL, "CLIPFLOW_OBJECT_USE_SSL"),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("CLIPFLOW_OBJECT_PUBLIC_ENDPOINT")),
		PresignExpiry:  resolveDuration(*objectPresignExpiry, "CLIPFLOW_OBJECT_PRESIGN_EXPIRY", 0),
	})
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	var notifiers []notify.Notifier
	if endpoint := firstNonEmpty(*webhookURL, os.Getenv("CLIPFLOW_WEBHOOK_URL")); endpoint != "" {
		webhook, err := notify.NewWebhookNotifier(endpoint, firstNonEmpty(*webhookToken, os.Getenv("CLIPFLOW_WEBHOOK_TOKEN")), nil)
		if err != nil {
			logger.Error("failed to configure webhook notifier", "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, webhook)
	}
	var redisPublisher *notify.RedisPublisher
	if redisURL := firstNonEmpty(*eventsRedisURL, os.Getenv("CLIPFLOW_EVENTS_REDIS_URL")); redisURL != "" {
		publisher, err := notify.NewRedisPublisher(
			redisURL,
			firstNonEmpty(*eventsRedisStream, os.Getenv("CLIPFLOW_EVENTS_REDIS_STREAM")),
			resolveInt64(*eventsRedisMaxLen, "CLIPFLOW_EVENTS_REDIS_MAXLEN"),
		)
		if err != nil {
			logger.Error("failed to configure redis event stream", "error", err)
			os.Exit(1)
		}
		redisPublisher = publisher
		notifiers = append(notifiers, publisher)
	}
	dispatcher := notify.NewDispatcher(logging.WithComponent(logger, "notify"), recorder, notifiers...)

	handler := api.NewHandler(store, objects)
	handler.Notifier = dispatcher
	handler.Metrics = recorder
	handler.DownloadExpiry = resolveDuration(*downloadExpiry, "CLIPFLOW_DOWNLOAD_EXPIRY", 0)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var scheduler *queue.Scheduler
	streamCfg := stream.Config{
		BaseURL:   firstNonEmpty(*streamAPIURL, os.Getenv("CLIPFLOW_STREAM_API_URL")),
		AccountID: firstNonEmpty(*streamAccountID, os.Getenv("CLIPFLOW_STREAM_ACCOUNT_ID")),
		APIToken:  firstNonEmpty(*streamAPIToken, os.Getenv("CLIPFLOW_STREAM_API_TOKEN")),
	}
	if streamCfg.BaseURL != "" {
		streamClient, err := stream.NewHTTPClient(streamCfg)
		if err != nil {
			logger.Error("failed to configure stream provider", "error", err)
			os.Exit(1)
		}
		worker, err := queue.NewWorker(queue.WorkerConfig{
			Repository:  store,
			Objects:     objects,
			Stream:      streamClient,
			Notifier:    dispatcher,
			Logger:      logger,
			Metrics:     recorder,
			IngestAfter: resolveDuration(*ingestTimeout, "CLIPFLOW_INGEST_TIMEOUT", 0),
		})
		if err != nil {
			logger.Error("failed to configure transcode worker", "error", err)
			os.Exit(1)
		}
		scheduler, err = queue.NewScheduler(queue.SchedulerConfig{
			Repository:   store,
			Worker:       worker,
			Logger:       logger,
			Metrics:      recorder,
			SweepEvery:   resolveDuration(*sweepInterval, "CLIPFLOW_QUEUE_SWEEP_INTERVAL", 0),
			Concurrency:  int64(resolveInt(*workerConcurrency, "CLIPFLOW_WORKER_CONCURRENCY")),
			StalledAfter: resolveDuration(*stalledAfter, "CLIPFLOW_QUEUE_STALLED_AFTER", 0),
		})
		if err != nil {
			logger.Error("failed to configure queue scheduler", "error", err)
			os.Exit(1)
		}
		scheduler.Start(workerCtx)
		handler.Queue = scheduler
	} else {
		logger.Warn("stream provider not configured, transcode jobs will stay pending")
	}

	verifier, err := auth.NewVerifier(splitAndTrim(firstNonEmpty(*apiTokens, os.Getenv("CLIPFLOW_API_TOKENS")))...)
	if err != nil {
		logger.Error("failed to configure API token verifier", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && !verifier.Enabled() {
		logger.Warn("production mode without API tokens, the API is unauthenticated")
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CLIPFLOW_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CLIPFLOW_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:    resolveFloat(*globalRPS, "CLIPFLOW_RATE_GLOBAL_RPS"),
			GlobalBurst:  resolveInt(*globalBurst, "CLIPFLOW_RATE_GLOBAL_BURST"),
			UploadLimit:  resolveInt(*uploadLimit, "CLIPFLOW_RATE_UPLOAD_LIMIT"),
			UploadWindow: resolveDuration(*uploadWindow, "CLIPFLOW_RATE_UPLOAD_WINDOW", time.Minute),
			RedisURL:     firstNonEmpty(*rateRedisURL, os.Getenv("CLIPFLOW_RATE_REDIS_URL")),
			RedisTimeout: resolveDuration(*rateRedisTimeout, "CLIPFLOW_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS:    server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CLIPFLOW_CORS_ORIGINS")))},
		Auth:    verifier,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("ClipFlow API listening", "addr", listenAddr, "mode", serverMode)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if scheduler != nil {
		if err := scheduler.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop queue scheduler", "error", err)
		}
	}
	workerCancel()
	dispatcher.Flush()
	if redisPublisher != nil {
		if err := redisPublisher.Close(); err != nil {
			logger.Warn("failed to close redis event stream", "error", err)
		}
	}

	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("server stopped")
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/clipflow.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("CLIPFLOW_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
