// Command keygated runs the key-gateway server: the upstream proxy, the
// admin API, and the Prometheus metrics endpoint.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	keygateway "github.com/nimbus-labs/key-gateway"
	"github.com/nimbus-labs/key-gateway/internal/logging"
	"github.com/nimbus-labs/key-gateway/internal/store"
	"github.com/nimbus-labs/key-gateway/internal/version"
)

func main() {
	// A missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	logging.Setup(os.Getenv("KEYGATE_LOG_LEVEL"), os.Getenv("KEYGATE_LOG_FORMAT"))
	logger := logging.Logger

	cfgPath := os.Getenv("KEYGATE_CONFIG")
	if cfgPath == "" {
		cfgPath = "keygate.yaml"
	}
	cfg, err := keygateway.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := keygateway.ValidateConfig(*cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	st, err := openStore(*cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	gw, err := keygateway.New(context.Background(), *cfg, st, logger)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}
	defer gw.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("key-gateway listening",
		"version", version.Short(),
		"addr", srv.Addr,
		"base_url", gw.BaseURL(),
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("Server error: %v", err) //nolint:gocritic
	}
	logger.Info("server stopped")
}

// openStore builds the configured backing store, wrapping it in a Redis
// mirror when one is configured.
func openStore(cfg keygateway.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case keygateway.DriverPostgres:
		st, err = store.NewPostgresStore(cfg.Store.DSN)
	case keygateway.DriverNone:
		st = store.Noop{}
	default:
		st, err = store.NewSQLiteStore(cfg.Store.DSN)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st = store.NewRedisMirror(st, rdb, cfg.Redis.Prefix, logging.Logger)
	}
	return st, nil
}
