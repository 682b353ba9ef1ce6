package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-integrity/internal/auth"
	"github.com/ukydev/fleet-integrity/internal/config"
	"github.com/ukydev/fleet-integrity/internal/consolidator"
	"github.com/ukydev/fleet-integrity/internal/db"
	"github.com/ukydev/fleet-integrity/internal/engine"
	"github.com/ukydev/fleet-integrity/internal/handlers"
	"github.com/ukydev/fleet-integrity/internal/logging"
	"github.com/ukydev/fleet-integrity/internal/middleware"
	"github.com/ukydev/fleet-integrity/internal/mqttingest"
	"github.com/ukydev/fleet-integrity/internal/rawstore"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Service stopped")
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	raw, closeRaw, err := openRawArchive(cfg.RawStorePath, logger)
	if err != nil {
		return err
	}
	defer closeRaw()

	authService, err := auth.NewService(cfg.JWTSecret, 0)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	eng := engine.New(store, raw, nil, cfg.Engine, logger)
	router := newRouter(eng, authService, cfg, logger)

	if cfg.MQTTBroker != "" {
		sub := mqttingest.NewSubscriber(mqttingest.Options{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Topic:    cfg.MQTTTopic,
			QoS:      cfg.MQTTQoS,
		}, eng, logger)
		if err := sub.Start(); err != nil {
			return err
		}
		defer sub.Stop()
		logger.WithField("broker", cfg.MQTTBroker).Info("MQTT ingestion enabled")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.WithField("port", cfg.Port).Info("HTTP server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutdown signal received, draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore returns the configured store and a func releasing it.
func openStore(ctx context.Context, cfg *config.Config, logger log.FieldLogger) (db.Store, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("Using in-memory store; data is lost on restart")
		return db.NewMemoryStore(), func() {}, nil
	}

	client, err := db.ConnectMongo(cfg.MongoURI, cfg.MongoTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	disconnect := func() {
		dctx, cancel := context.WithTimeout(context.Background(), cfg.MongoTimeout)
		defer cancel()
		if err := client.Disconnect(dctx); err != nil {
			logger.WithError(err).Warn("MongoDB disconnect failed")
		}
	}

	store := db.NewMongoStore(client, cfg.MongoDatabase)
	ictx, cancel := context.WithTimeout(ctx, cfg.MongoTimeout)
	defer cancel()
	if err := store.EnsureIndexes(ictx); err != nil {
		disconnect()
		return nil, nil, fmt.Errorf("ensure indexes: %w", err)
	}
	logger.WithField("database", cfg.MongoDatabase).Info("Connected to MongoDB")
	return store, disconnect, nil
}

// openRawArchive opens the raw reading archive when a path is configured.
// The returned archiver is a nil interface when archiving is disabled.
func openRawArchive(path string, logger log.FieldLogger) (consolidator.RawArchiver, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	rs, err := rawstore.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open raw archive: %w", err)
	}
	logger.WithField("path", path).Info("Raw reading archive enabled")
	return rs, func() {
		if err := rs.Close(); err != nil {
			logger.WithError(err).Warn("Raw archive close failed")
		}
	}, nil
}

func newRouter(eng handlers.Engine, authService *auth.Service, cfg *config.Config, logger log.FieldLogger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(logger))
	handlers.RegisterRoutes(r,
		handlers.NewHandler(eng, logger),
		middleware.NewAuthMiddleware(authService),
		middleware.NewRateLimitMiddleware(),
		handlers.RateLimit{Requests: cfg.RateLimit, Window: cfg.RateWindow},
	)
	return r
}
