package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scholardesk/zotsync/internal/httpapi"
	"github.com/scholardesk/zotsync/internal/zoteroapi"
	"github.com/scholardesk/zotsync/internal/zotsync"
)

func main() {
	addr := os.Getenv("ZOTSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logger := buildLogger()

	backend, err := zotsync.BuildBackendFromDSN(os.Getenv("ZOTSYNC_STATE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize storage backend: %v", err)
	}

	client := zoteroapi.NewClient(zoteroapi.ClientOptions{
		BaseURL:    os.Getenv("ZOTSYNC_ZOTERO_BASE_URL"),
		UserAgent:  "zotsync/1.0",
		MaxRetries: intEnv("ZOTSYNC_ZOTERO_MAX_RETRIES", 0),
	})
	executor := zotsync.NewExecutor(client, backend, nil)

	store, err := zotsync.NewStoreWithOptions(zotsync.StoreOptions{
		Backend:           backend,
		Executor:          executor,
		Logger:            logger,
		RetryBaseDelay:    durationEnv("ZOTSYNC_RETRY_BASE_DELAY", 0),
		RetryMaxDelay:     durationEnv("ZOTSYNC_RETRY_MAX_DELAY", 0),
		DefaultMaxRetries: intEnv("ZOTSYNC_DEFAULT_MAX_RETRIES", 0),
		DispatchBatchSize: intEnv("ZOTSYNC_DISPATCH_BATCH_SIZE", 0),
		BreakerThreshold:  intEnv("ZOTSYNC_BREAKER_THRESHOLD", 0),
		BreakerCooldown:   durationEnv("ZOTSYNC_BREAKER_COOLDOWN", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	if interval := durationEnv("ZOTSYNC_DISPATCH_INTERVAL", 0); interval > 0 {
		go runDispatchTicker(store, logger, interval, durationEnv("ZOTSYNC_DISPATCH_TIMEOUT", time.Minute))
	}

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:    os.Getenv("ZOTSYNC_JWT_SECRET"),
		MaxBodyBytes: int64Env("ZOTSYNC_MAX_BODY_BYTES", 0),
	})

	logger.WithField("addr", addr).Info("zotsyncd listening")
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func runDispatchTicker(store *zotsync.Store, logger *logrus.Logger, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		report, err := store.ProcessSyncJobs(ctx)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("dispatch pass failed")
			continue
		}
		if report.Claimed > 0 {
			logger.WithFields(logrus.Fields{
				"claimed":   report.Claimed,
				"completed": report.Completed,
				"retried":   report.Retried,
				"failed":    report.Failed,
				"deferred":  report.Deferred,
			}).Info("dispatch pass finished")
		}
	}
}

func buildLogger() *logrus.Logger {
	logger := logrus.New()
	if strings.EqualFold(os.Getenv("ZOTSYNC_LOG_FORMAT"), "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if raw := os.Getenv("ZOTSYNC_LOG_LEVEL"); raw != "" {
		level, err := logrus.ParseLevel(raw)
		if err != nil {
			log.Printf("invalid ZOTSYNC_LOG_LEVEL=%q, using info", raw)
		} else {
			logger.SetLevel(level)
		}
	}
	return logger
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
