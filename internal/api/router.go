package api

import (
	"log/slog"

	"telemetry-gateway/internal/api/handlers"
	"telemetry-gateway/internal/api/middleware"
	"telemetry-gateway/internal/telemetry"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// RouterConfig holds dependencies for the API router
type RouterConfig struct {
	Devices       handlers.DeviceSource
	TimeSeries    telemetry.Fetcher
	Credentials   handlers.CredentialAdmin // Optional: admin routes need it and AdminKey
	AdminKey      string
	AllowedOrigin string
	Logger        *slog.Logger
}

// NewRouter creates and configures the Gin router
func NewRouter(config RouterConfig) *gin.Engine {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	router := gin.New()

	// Apply global middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(config.Logger))
	router.Use(middleware.Logging(config.Logger))
	router.Use(middleware.NoiseFilter("/health"))
	router.Use(middleware.CORS(config.AllowedOrigin))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// Health check
	healthHandler := handlers.NewHealthHandler()
	router.GET("/health", healthHandler.GetHealth)

	telemetryGroup := router.Group("/telemetry")
	{
		devicesHandler := handlers.NewDevicesHandler(config.Devices, config.Logger)
		telemetryGroup.GET("/devices", devicesHandler.ListDevices)

		timeSeriesHandler := handlers.NewTimeSeriesHandler(config.Devices, config.TimeSeries, config.Logger)
		telemetryGroup.GET("/timeseries", timeSeriesHandler.GetTimeSeries)
		telemetryGroup.GET("/:deviceUUID/timeseries", timeSeriesHandler.GetDeviceTimeSeries)
	}

	// Admin endpoints (only register if a key and the credential manager are provided)
	if config.Credentials != nil && config.AdminKey != "" {
		admin := router.Group("/admin")
		admin.Use(middleware.APIKey(config.AdminKey))

		adminHandler := handlers.NewAdminHandler(config.Credentials, config.Logger)
		admin.GET("/credential/status", adminHandler.GetCredentialStatus)
		admin.POST("/credential/refresh", adminHandler.RefreshCredential)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{
			"success": false,
			"error":   "Route not found",
			"code":    handlers.CodeNotFound,
		})
	})

	return router
}
