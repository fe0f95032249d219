package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/n3dwh/query-executor/internal/analytics"
	"github.com/n3dwh/query-executor/internal/config"
	"github.com/n3dwh/query-executor/internal/engine"
	"github.com/n3dwh/query-executor/internal/httpserver"
	"github.com/n3dwh/query-executor/internal/materialize"
	"github.com/n3dwh/query-executor/internal/model"
	"github.com/n3dwh/query-executor/internal/mq"
	"github.com/n3dwh/query-executor/internal/notify"
	"github.com/n3dwh/query-executor/internal/publish"
	"github.com/n3dwh/query-executor/internal/results"
	"github.com/n3dwh/query-executor/internal/runner"
	"github.com/n3dwh/query-executor/internal/store"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	cfg := config.LoadFromEnv()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("service failed")
	}
}

func run(cfg *config.Config) error {
	if key, err := hex.DecodeString(cfg.EncryptionKey); err != nil || len(key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be a 32-byte hex key")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opDB, err := openDB(ctx, cfg.DBConnString)
	if err != nil {
		return fmt.Errorf("operational db: %w", err)
	}
	defer opDB.Close()

	resDB, err := openDB(ctx, cfg.DBConnStringResults)
	if err != nil {
		return fmt.Errorf("results db: %w", err)
	}
	defer resDB.Close()

	bus, err := mq.Dial(mq.Config{
		URL:                 cfg.MQConnString,
		ExchangeExecute:     cfg.ExchangeExecute,
		PublishExchange:     cfg.PublishExchange,
		PublishRequestQueue: cfg.PublishRequestQueue,
		PublishResultQueue:  cfg.PublishResultQueue,
	})
	if err != nil {
		return err
	}
	defer bus.Close()
	if err := bus.DeclareTopology(); err != nil {
		return err
	}

	analyticsClient, err := analytics.Dial(cfg.ClickhouseConnString)
	if err != nil {
		return err
	}
	defer analyticsClient.Close()

	tables := materialize.NewTableMaterializer(resDB)
	materializers := materialize.Registry{model.DestTypeTable: tables}
	if cfg.S3Bucket != "" {
		files, err := materialize.NewFileMaterializer(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return err
		}
		materializers[model.DestTypeFile] = files
	}

	notifier := notify.NewEmitter(bus, cfg.ExchangeExecute)
	eng := engine.New(store.New(opDB), runner.NewFactory(), materializers,
		tables, results.NewReader(resDB), notifier, cfg.EncryptionKey, cfg.ThreadPoolSize)

	worker := publish.NewWorker(bus, bus, analyticsClient, eng,
		cfg.PublishRequestQueue, cfg.PublishExchange)
	go worker.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpserver.New(eng, analyticsClient, cfg.JWTSecret).Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("query executor listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		return err
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func openDB(ctx context.Context, connString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
