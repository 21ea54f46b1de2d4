// Command streamstub emulates the stream provider's REST API for local
// development. It accepts copy requests, pretends to transcode for a fixed
// delay, and then reports the asset as ready to stream.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clipflow/internal/observability/logging"
	"clipflow/internal/serverutil"
)

func main() {
	addr := flag.String("addr", envOrDefault("STREAMSTUB_ADDR", ":8188"), "HTTP listen address")
	accountID := flag.String("account-id", envOrDefault("STREAMSTUB_ACCOUNT_ID", "local"), "account id served by the stub")
	apiToken := flag.String("api-token", envOrDefault("STREAMSTUB_TOKEN", "dev-token"), "bearer token required on requests")
	readyAfter := flag.Duration("ready-after", envDurationOrDefault("STREAMSTUB_READY_AFTER", 3*time.Second), "simulated transcode duration")
	failSubstring := flag.String("fail-substring", envOrDefault("STREAMSTUB_FAIL_SUBSTRING", ""), "asset names containing this substring fail to transcode")
	logLevel := flag.String("log-level", envOrDefault("STREAMSTUB_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.Init(logging.Config{Level: *logLevel})

	stub := newStub(stubConfig{
		AccountID:     *accountID,
		APIToken:      *apiToken,
		ReadyAfter:    *readyAfter,
		FailSubstring: *failSubstring,
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("stream stub listening", "addr", *addr, "account_id", *accountID, "ready_after", readyAfter.String())
	if err := serverutil.Run(ctx, serverutil.Config{Server: stub.HTTPServer(*addr)}); err != nil {
		logger.Error("stream stub failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stream stub stopped")
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
