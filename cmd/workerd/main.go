package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aescanero/workerlink/internal/config"
	"github.com/aescanero/workerlink/pkg/auth"
	"github.com/aescanero/workerlink/pkg/directory"
	"github.com/aescanero/workerlink/pkg/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting worker server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("worker_id", cfg.WorkerID),
	)

	// Log configuration (without sensitive data)
	logger.Info("configuration loaded", zap.String("config", cfg.String()))

	// Initialize the credential verifier
	verifier, err := initVerifier(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize verifier", zap.Error(err))
	}
	if verifier == nil {
		logger.Warn("authentication disabled (AUTH_MODE=none)")
	}

	// Initialize the Redis worker directory when configured
	var redisClient *redis.Client
	var dir *directory.Directory
	if cfg.DirectoryEnabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		// Test Redis connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			cancel()
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		cancel()
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

		dir = directory.New(redisClient, logger)
	} else {
		logger.Warn("redis directory disabled (REDIS_ADDR not set)")
	}

	// Initialize the worker server with the demo echo worker. Embedders
	// replace this with their own implementation.
	srv := worker.NewServer(&EchoWorker{logger: logger}, worker.ServerConfig{
		Addr:              cfg.ListenAddr,
		SidecarAddr:       cfg.SidecarAddr,
		ConnectionTimeout: cfg.ConnectionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		WorkerPoolSize:    cfg.WorkerPoolSize,
		StreamBuffer:      cfg.StreamBuffer,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		UploadDir:         cfg.UploadDir,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		Verifier:          verifier,
	}, logger)

	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start worker server", zap.Error(err))
	}

	// Announce presence and keep the registration alive
	var directoryDone chan struct{}
	if dir != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := dir.Register(ctx, directory.Info{
			ID:   cfg.WorkerID,
			Name: cfg.WorkerName,
			Addr: cfg.Advertise(),
		}, cfg.DirectoryTTL)
		cancel()
		if err != nil {
			logger.Fatal("failed to register in directory", zap.Error(err))
		}

		directoryDone = make(chan struct{})
		go keepRegistered(dir, cfg, logger, directoryDone)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("worker server running, press Ctrl+C to stop")
	<-sigChan

	logger.Info("shutdown signal received, stopping worker server")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if directoryDone != nil {
		close(directoryDone)
		if err := dir.Deregister(shutdownCtx, cfg.WorkerID); err != nil {
			logger.Error("failed to deregister worker", zap.Error(err))
		}
	}

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop worker server", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close redis connection", zap.Error(err))
		}
	}

	logger.Info("worker server stopped gracefully")
}

// initLogger initializes the logger
func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}

// initVerifier builds the credential verifier selected by AUTH_MODE
func initVerifier(cfg *config.Config, logger *zap.Logger) (auth.Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		return auth.NewAPIKeyVerifier(cfg.APIVerifyURL, logger), nil
	case config.AuthModeJWT:
		return auth.NewJWTVerifier(cfg.SigningKey), nil
	default:
		return nil, fmt.Errorf("unknown auth mode: %s", cfg.AuthMode)
	}
}

// keepRegistered extends the directory registration at half the TTL until
// stopped
func keepRegistered(dir *directory.Directory, cfg *config.Config, logger *zap.Logger, done chan struct{}) {
	ticker := time.NewTicker(cfg.DirectoryTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := dir.Heartbeat(ctx, cfg.WorkerID, cfg.DirectoryTTL)
			if errors.Is(err, directory.ErrWorkerNotFound) {
				// Registration expired, re-announce
				err = dir.Register(ctx, directory.Info{
					ID:   cfg.WorkerID,
					Name: cfg.WorkerName,
					Addr: cfg.Advertise(),
				}, cfg.DirectoryTTL)
			}
			cancel()
			if err != nil {
				logger.Error("failed to refresh directory registration", zap.Error(err))
			}
		case <-done:
			return
		}
	}
}

// EchoWorker is the demo worker served by the standalone binary: it streams
// the message back word by word and completes with the full message.
type EchoWorker struct {
	logger *zap.Logger
}

// Start initializes the worker
func (w *EchoWorker) Start() error {
	w.logger.Info("echo worker started")
	return nil
}

// Stop releases worker resources
func (w *EchoWorker) Stop() error {
	w.logger.Info("echo worker stopped")
	return nil
}

// Call returns the message unchanged
func (w *EchoWorker) Call(ctx context.Context, message string) (string, error) {
	return message, nil
}

// CallStream streams the message back word by word
func (w *EchoWorker) CallStream(ctx context.Context, message string, emit func(chunk string) error) (string, error) {
	for _, word := range strings.Fields(message) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := emit(word); err != nil {
			return "", err
		}
	}
	return message, nil
}
