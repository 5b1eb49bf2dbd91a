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

	"backup-telemetry/configs"
	"backup-telemetry/internal/cache"
	"backup-telemetry/internal/database"
	"backup-telemetry/internal/handlers"
	"backup-telemetry/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// @title Backup Telemetry API
// @version 1.0
// @description Usage telemetry collection and statistics for the backup tool

// @host localhost:8080
// @BasePath /

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword(os.Args[2:])
		return
	}

	log := logrus.New()

	cfg, err := configs.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	configureLogger(log, cfg)

	gin.SetMode(cfg.GinMode)

	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize store")
	}
	defer closeStore()

	cacheMgr := cache.New(cfg.RedisURL, log)
	defer cacheMgr.Close()

	auth, err := services.NewAdminAuth(cfg.AdminPassword, cfg.AdminPasswordHash)
	if err != nil {
		log.WithError(err).Fatal("invalid admin secret")
	}

	statsService := services.NewStatsService(store, cacheMgr, services.StatsOptions{
		CacheTTL:     cfg.CacheTTL,
		ActiveWindow: cfg.ActiveWindow,
	}, log)
	registrationService := services.NewRegistrationService(store, cacheMgr, log)

	handler := handlers.NewTelemetryHandler(statsService, registrationService, auth, cacheMgr, log, cfg.Debug())
	router := handlers.NewRouter(handler, handlers.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Logger:         log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":            srv.Addr,
			"driver":          cfg.DatabaseDriver,
			"redis":           cacheMgr.IsAvailable(),
			"allowed_origins": cfg.AllowedOrigins,
		}).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.WithField("signal", sig.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	log.Info("server exited")
}

func configureLogger(log *logrus.Logger, cfg *configs.Config) {
	if cfg.Debug() {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

func openStore(cfg *configs.Config, log *logrus.Logger) (services.TelemetryStore, func(), error) {
	if cfg.DatabaseDriver == configs.DriverMemory {
		log.Warn("using in-memory store, data is lost on exit")
		return database.NewMemoryStore(), func() {}, nil
	}

	db, err := database.New(cfg.DatabaseURL, cfg.ReadDatabaseURLs, log)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	closeFn := func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("failed to close database")
		}
	}
	return database.NewTelemetryStore(db), closeFn, nil
}

func hashPassword(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: webserver hash-password <password>")
		os.Exit(2)
	}
	hash, err := services.HashAdminPassword(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
