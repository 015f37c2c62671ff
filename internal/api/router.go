package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/godata/internal/config"
	"github.com/jonesrussell/godata/internal/handlers"
	"github.com/jonesrussell/godata/internal/hub"
	"github.com/jonesrussell/godata/internal/logger"
)

const corsMaxAgeHours = 12

func NewRouter(svc *hub.Service, cfg *config.Config, log logger.Logger) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// CORS middleware - must be first
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Content-Length", "Accept-Encoding",
			"Authorization", "accept", "origin", "Cache-Control", "X-Requested-With",
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           corsMaxAgeHours * time.Hour,
	}))

	// Middleware
	router.Use(requestID())
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1
	v1 := router.Group("/api/v1")
	catalogue := handlers.NewCatalogueHandler(svc, log)

	v1.GET("/portals", catalogue.Portals)
	v1.GET("/search", catalogue.Search)
	v1.GET("/datasets/:id", catalogue.GetDataset)
	v1.GET("/datasets/:id/freshness", catalogue.Freshness)
	v1.GET("/organizations", catalogue.Organizations)
	v1.GET("/tags", catalogue.Tags)

	v1.POST("/resources/:id/download", catalogue.Download)
	v1.GET("/resources/:id/preview", catalogue.Preview)

	v1.POST("/query", catalogue.Query)
	v1.POST("/remote-query", catalogue.RemoteQuery)

	v1.GET("/cache", catalogue.Cache)
	v1.DELETE("/cache/:id", catalogue.EvictResource)
	v1.DELETE("/cache", catalogue.EvictAll)

	return router
}

const requestIDHeader = "X-Request-ID"

// requestID assigns each request a unique ID, honoring one supplied by the
// caller, and echoes it on the response.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

func ginLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.Info("HTTP request",
			logger.String("method", method),
			logger.String("path", path),
			logger.Int("status_code", statusCode),
			logger.String("client_ip", c.ClientIP()),
			logger.String("request_id", c.GetString("request_id")),
			logger.Duration("duration", duration),
		)
	}
}
