package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/voucherd/internal/api/handler"
	"github.com/timmy/voucherd/internal/api/middleware"
	"github.com/timmy/voucherd/internal/config"
	"github.com/timmy/voucherd/internal/logger"
)

// RouterDeps are the collaborators served by the router.
type RouterDeps struct {
	Engine   handler.OperationEngine
	DB       handler.Pinger
	Gatherer prometheus.Gatherer
	Logger   *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(cfg *config.ServerConfig, deps RouterDeps) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	healthHandler := handler.NewHealthHandler(deps.DB)
	operationHandler := handler.NewOperationHandler(deps.Engine)

	r.GET("/health", healthHandler.Health)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		ops := v1.Group("/operations")
		ops.POST("", operationHandler.Create)
		ops.GET("", operationHandler.List)
		// Static segment wins over :id.
		ops.GET("/metrics", operationHandler.Metrics)
		ops.GET("/:id", operationHandler.Get)
		ops.GET("/:id/results", operationHandler.Results)
		ops.POST("/:id/pause", operationHandler.Pause)
		ops.POST("/:id/resume", operationHandler.Resume)
		ops.POST("/:id/cancel", operationHandler.Cancel)
		ops.POST("/:id/retry", operationHandler.Retry)
	}

	return r
}
