package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/ridesync/internal/auth"
	"example.com/ridesync/internal/cloud"
	"example.com/ridesync/internal/config"
	"example.com/ridesync/internal/logging"
	"example.com/ridesync/internal/observability"
	httptransport "example.com/ridesync/internal/transport/http"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logCloser := logging.Setup(logging.Options{File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSize, Backups: 3})
	defer logCloser.Close()
	observability.RecordBuild("cloud", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open record store: %v", err)
	}
	defer closeStore()

	handler := cloud.NewHandler(store, logging.Component("cloud"))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, "/healthz", "/metrics")

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address: cfg.HTTPAddress,
	}, authMiddleware.Wrap(httptransport.RequestLogger(logging.Component("http"), mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("cloud record store listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// openStore selects Postgres when POSTGRES_URL is set and memory otherwise.
func openStore(ctx context.Context, cfg config.Config) (cloud.Store, func(), error) {
	if cfg.PostgresURL == "" {
		log.Printf("POSTGRES_URL not set, records are kept in memory")
		return cloud.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := cloud.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return cloud.NewRepository(pool), pool.Close, nil
}
