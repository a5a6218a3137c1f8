package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"telemetry-gateway/internal/directory"

	"github.com/gin-gonic/gin"
)

// DeviceSource is the cached view of the customer's devices
type DeviceSource interface {
	List(ctx context.Context, forceRefresh bool) ([]directory.Device, error)
	Find(ctx context.Context, deviceUUID string) (directory.Device, error)
}

// DevicesHandler handles device-related requests
type DevicesHandler struct {
	devices DeviceSource
	logger  *slog.Logger
}

// NewDevicesHandler creates a new devices handler
func NewDevicesHandler(devices DeviceSource, logger *slog.Logger) *DevicesHandler {
	return &DevicesHandler{
		devices: devices,
		logger:  logger,
	}
}

// ListDevices returns the customer's devices
// GET /telemetry/devices?refresh=true
func (h *DevicesHandler) ListDevices(c *gin.Context) {
	forceRefresh := strings.EqualFold(c.Query("refresh"), "true")

	devices, err := h.devices.List(c.Request.Context(), forceRefresh)
	if err != nil {
		h.logger.Warn("Failed to list devices",
			"component", "api",
			"request_id", requestID(c),
			"force_refresh", forceRefresh,
			"error", err,
		)
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    devices,
		"count":   len(devices),
	})
}
