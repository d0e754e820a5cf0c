package api

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qiyuelian/caijibot/app/cfg"
)

// NewServer creates the HTTP server with all routes configured.
func NewServer(handler *Handler, apiAccessKey string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	r.Use(gin.Recovery())

	// CORS middleware for API endpoints
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	setupRoutes(r, handler, apiAccessKey)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, apiAccessKey string) {
	r.GET("/health", handler.GetHealth)

	// Operator endpoints (conditionally enabled with authentication)
	if apiAccessKey != "" {
		api := r.Group("/api")
		api.Use(authMiddleware(apiAccessKey))
		{
			api.GET("/channels", handler.APIListChannels)
			api.GET("/dedup/stats", handler.APIDedupStats)
			api.GET("/dedup/report", handler.APIDedupReport)
			api.POST("/dedup/batch", handler.APIDedupBatch)
			api.POST("/dedup/batch/stop", handler.APIDedupBatchStop)
			api.POST("/dedup/cleanup", handler.APIDedupCleanup)
			api.GET("/downloads/stats", handler.APIDownloadStats)
			api.GET("/downloads/active", handler.APIDownloadActive)
			api.GET("/downloads/queued", handler.APIDownloadQueued)
			api.GET("/downloads/history", handler.APIDownloadHistory)
			api.POST("/downloads/pause", handler.APIDownloadPause)
			api.POST("/downloads/resume", handler.APIDownloadResume)
			api.POST("/downloads/retry", handler.APIDownloadRetry)
			api.POST("/downloads/queue", handler.APIDownloadQueue)
		}
		log.Printf("API endpoints enabled with authentication")
	} else {
		log.Printf("API endpoints disabled (API_ACCESS_KEY not set)")
	}

	r.GET("/", func(c *gin.Context) {
		endpoints := map[string]string{
			"health": "/health",
		}

		if apiAccessKey != "" {
			endpoints["channels"] = "/api/channels (requires X-API-Key header)"
			endpoints["dedup_stats"] = "/api/dedup/stats (requires X-API-Key header)"
			endpoints["dedup_report"] = "/api/dedup/report (requires X-API-Key header)"
			endpoints["dedup_cleanup"] = "/api/dedup/cleanup?confirm=true (POST, requires X-API-Key header)"
			endpoints["download_stats"] = "/api/downloads/stats (requires X-API-Key header)"
			endpoints["download_control"] = "/api/downloads/{pause,resume,retry,queue} (POST, requires X-API-Key header)"
		}

		c.JSON(200, gin.H{
			"service":     "caijibot",
			"version":     cfg.GetVersion(),
			"description": "Channel media collector with metadata, digest and perceptual deduplication",
			"endpoints":   endpoints,
			"api_status": map[string]interface{}{
				"enabled":       apiAccessKey != "",
				"auth_required": apiAccessKey != "",
				"header":        "X-API-Key",
			},
		})
	})

	// Favicon handler (return 204 to avoid 404s)
	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(204)
	})
}

// authMiddleware creates authentication middleware for API endpoints
func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		// Also check Authorization header with Bearer prefix
		if providedKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				providedKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if providedKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		if providedKey != apiAccessKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
