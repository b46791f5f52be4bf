package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/xihan123/doro-collector-api/api"
	"github.com/xihan123/doro-collector-api/internal/cache"
	"github.com/xihan123/doro-collector-api/internal/classifier"
	"github.com/xihan123/doro-collector-api/internal/config"
	"github.com/xihan123/doro-collector-api/internal/database"
	"github.com/xihan123/doro-collector-api/internal/imagehost"
	"github.com/xihan123/doro-collector-api/internal/stickers"
	"github.com/xihan123/doro-collector-api/internal/vision"
	"github.com/xihan123/doro-collector-api/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Connect to PostgreSQL
	db, err := database.NewPostgresDB(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	// Optional local archive of uploaded originals
	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			zapLogger.Fatal("Failed to create archive directory", zap.Error(err))
		}
	}

	// Optional redis read cache
	readCache := cache.New(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB,
		time.Duration(cfg.Redis.TTL)*time.Second, zapLogger)
	defer readCache.Close()

	// External collaborators
	classifierClient := classifier.NewClient(cfg.Classifier.Endpoint, cfg.Classifier.Timeout, zapLogger)
	captioner := vision.NewClient(cfg.Vision.APIKey, cfg.Vision.BaseURL, cfg.Vision.Model, cfg.Vision.Timeout, zapLogger)
	uploader := imagehost.NewClient(cfg.ImageHost.APIKey, cfg.ImageHost.AlbumID, cfg.ImageHost.UploadURL, cfg.ImageHost.Timeout, zapLogger)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 30*time.Second)
	if err := classifierClient.Ping(pingCtx); err != nil {
		zapLogger.Warn("Classifier endpoint not reachable at startup", zap.Error(err))
	}
	cancelPing()

	// Sticker service
	stickerSvc, err := stickers.NewService(
		zapLogger,
		db,
		classifierClient,
		captioner,
		uploader,
		readCache,
		cfg.Classifier.MinConfidence,
		cfg.ArchiveDir,
	)
	if err != nil {
		zapLogger.Fatal("Failed to create sticker service", zap.Error(err))
	}

	// API server
	apiServer := api.NewServer(zapLogger, cfg, stickerSvc)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	zapLogger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	zapLogger.Info("Server exited")
}
