package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"hybrid-chat/configs"
	"hybrid-chat/server"
	"hybrid-chat/storage"
)

var (
	logger = logrus.New()
)

// Main function to start the relay
func main() {
	if err := configs.LoadEnvFiles(".env"); err != nil {
		logger.Fatalf("Error loading environment: %v", err)
	}
	cfg, err := configs.LoadServerConfig()
	if err != nil {
		logger.Fatalf("Error reading configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalf("Error connecting to redis at %s: %v", cfg.RedisAddr, err)
	}

	s := server.NewServer(ctx, storage.NewRedisStore(rdb), cfg.RequireToken, logger)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down relay...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Error during shutdown: %v", err)
		}
	}()

	logger.WithFields(logrus.Fields{
		"addr":         cfg.Addr,
		"redis":        cfg.RedisAddr,
		"requireToken": cfg.RequireToken,
	}).Info("Relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("Error starting server: %v", err)
	}

	s.Close()
	logger.Info("Relay stopped")
}
