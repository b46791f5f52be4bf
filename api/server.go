package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xihan123/doro-collector-api/internal/config"
	"github.com/xihan123/doro-collector-api/internal/stickers"
)

// Server represents the API server
type Server struct {
	router    *gin.Engine
	logger    *zap.Logger
	cfg       *config.Config
	stickers  stickers.StickerService
	validator *validator.Validate
	limiter   *rate.Limiter
	// downloads fetches sticker images when assembling ZIP archives
	downloads *http.Client
}

// NewServer creates a new API server around the sticker service
func NewServer(logger *zap.Logger, cfg *config.Config, stickerSvc stickers.StickerService) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		logger:    logger,
		cfg:       cfg,
		stickers:  stickerSvc,
		validator: validator.New(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst),
		downloads: &http.Client{Timeout: 30 * time.Second},
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(server.requestIDMiddleware())
	router.Use(server.metricsMiddleware())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Secret-Key"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router returns the internal Gin engine for embedding and testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	s.router.GET("/", s.root)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/stickers")
	api.Use(s.rateLimitMiddleware())
	{
		api.POST("/upload", s.uploadSticker)
		api.GET("/", s.listStickers)
		api.GET("/random/", s.randomStickers)
		api.GET("/tags/popular/", s.popularTags)
		api.POST("/download/batch/", s.downloadBatch)
		api.POST("/predict", s.predict)

		api.GET("/:id", s.getSticker)
		api.PUT("/:id", s.updateSticker)
		api.POST("/:id/like", s.likeSticker)
		api.POST("/:id/dislike", s.dislikeSticker)
		api.POST("/:id/tag", s.addTag)
		api.POST("/:id/tags", s.replaceTags)
		api.PATCH("/:id/description", s.updateDescription)

		admin := api.Group("")
		admin.Use(s.secretKeyMiddleware())
		{
			admin.DELETE("/batch/", s.batchDelete)
			admin.DELETE("/:id", s.deleteSticker)
		}
	}
}

// root answers with the service banner
func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "welcome to the DORO sticker collector API",
		"version": s.cfg.ProjectVersion,
	})
}

// healthCheck handles the health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now(),
	})
}
