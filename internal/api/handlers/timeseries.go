package handlers

import (
	"log/slog"
	"net/http"

	"telemetry-gateway/internal/telemetry"

	"github.com/gin-gonic/gin"
)

const entityTypeDevice = "DEVICE"

// TimeSeriesHandler serves time-series queries for directory devices and raw entities
type TimeSeriesHandler struct {
	devices DeviceSource
	fetcher telemetry.Fetcher
	logger  *slog.Logger
}

// NewTimeSeriesHandler creates a new time-series handler
func NewTimeSeriesHandler(devices DeviceSource, fetcher telemetry.Fetcher, logger *slog.Logger) *TimeSeriesHandler {
	return &TimeSeriesHandler{
		devices: devices,
		fetcher: fetcher,
		logger:  logger,
	}
}

// GetDeviceTimeSeries queries a device known to the directory
// GET /telemetry/:deviceUUID/timeseries
func (h *TimeSeriesHandler) GetDeviceTimeSeries(c *gin.Context) {
	raw, ok := h.bindQuery(c)
	if !ok {
		return
	}
	raw.EntityType = entityTypeDevice
	raw.EntityID = c.Param("deviceUUID")

	// Validate before the directory lookup so bad input never costs a round trip
	query, err := telemetry.Normalize(raw)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	device, err := h.devices.Find(c.Request.Context(), query.EntityID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	series, err := h.fetcher.FetchTimeSeries(c.Request.Context(), query)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    series,
		"device":  device.Summary(),
		"meta":    responseMeta(query, series),
	})
}

// GetTimeSeries queries an arbitrary entity by type and id
// GET /telemetry/timeseries?entityType=&entityId=
func (h *TimeSeriesHandler) GetTimeSeries(c *gin.Context) {
	raw, ok := h.bindQuery(c)
	if !ok {
		return
	}

	query, err := telemetry.Normalize(raw)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	series, err := h.fetcher.FetchTimeSeries(c.Request.Context(), query)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    series,
		"meta":    responseMeta(query, series),
	})
}

func (h *TimeSeriesHandler) bindQuery(c *gin.Context) (telemetry.RawQuery, bool) {
	var raw telemetry.RawQuery
	if err := c.ShouldBindQuery(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid query string",
			"code":    CodeBadRequest,
		})
		return raw, false
	}
	return raw, true
}

func responseMeta(query telemetry.Query, series telemetry.TimeSeries) map[string]interface{} {
	meta := query.Meta()
	count := 0
	for _, samples := range series {
		count += len(samples)
	}
	meta["count"] = count
	return meta
}
