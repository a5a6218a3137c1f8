package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"telemetry-gateway/internal/api/middleware"
	"telemetry-gateway/internal/credentials"
	"telemetry-gateway/internal/directory"
	"telemetry-gateway/internal/telemetry"
	"telemetry-gateway/internal/upstream"

	"github.com/gin-gonic/gin"
)

// Machine-readable failure codes
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "NOT_FOUND"
	CodeUpstream   = "UPSTREAM_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
	CodeCanceled   = "CLIENT_CLOSED_REQUEST"
)

// StatusClientClosedRequest is the nginx convention for a caller that hung up
const StatusClientClosedRequest = 499

// failure is the classified form of an error at the HTTP boundary
type failure struct {
	status  int
	code    string
	message string
}

// classify maps an error to a status code. Only unclassified errors become 500.
func classify(err error) failure {
	var (
		validationErr *telemetry.ValidationError
		badRequestErr *upstream.BadRequestError
		notFoundErr   *upstream.EntityNotFoundError
		authErr       *upstream.AuthError
		queryErr      *upstream.QueryError
		transportErr  *upstream.TransportError
	)

	switch {
	// A hung-up caller surfaces wrapped in transport errors too
	case errors.Is(err, context.Canceled):
		return failure{StatusClientClosedRequest, CodeCanceled, "Client closed request"}
	case errors.As(err, &validationErr):
		return failure{http.StatusBadRequest, CodeValidation, validationErr.Error()}
	case errors.As(err, &badRequestErr):
		return failure{http.StatusBadRequest, CodeBadRequest, badRequestErr.Error()}
	case errors.As(err, &notFoundErr):
		return failure{http.StatusNotFound, CodeNotFound, notFoundErr.Error()}
	case errors.Is(err, directory.ErrDeviceNotFound):
		return failure{http.StatusNotFound, CodeNotFound, "Device not found"}
	case errors.As(err, &authErr):
		return failure{http.StatusBadGateway, CodeUpstream, "Upstream authentication failed"}
	case errors.As(err, &transportErr):
		if transportErr.Timeout() {
			return failure{http.StatusBadGateway, CodeUpstream, "Upstream request timed out"}
		}
		return failure{http.StatusBadGateway, CodeUpstream, "Upstream unavailable"}
	case errors.As(err, &queryErr):
		return failure{http.StatusBadGateway, CodeUpstream, queryErr.Error()}
	case errors.Is(err, upstream.ErrMalformedResponse),
		errors.Is(err, directory.ErrUnexpectedFormat),
		errors.Is(err, credentials.ErrManagerClosed),
		errors.Is(err, context.DeadlineExceeded):
		return failure{http.StatusBadGateway, CodeUpstream, "Upstream request failed"}
	default:
		return failure{http.StatusInternalServerError, CodeInternal, "Internal server error"}
	}
}

// respondError writes the structured failure response and logs server-side failures
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	f := classify(err)

	switch {
	case f.status == StatusClientClosedRequest:
		logger.Debug("Request cancelled by client",
			"component", "api",
			"request_id", requestID(c),
			"path", c.Request.URL.Path,
		)
	case f.status >= http.StatusInternalServerError:
		logger.Error("Request failed",
			"component", "api",
			"request_id", requestID(c),
			"path", c.Request.URL.Path,
			"status", f.status,
			"error", err,
		)
	}
	c.Error(err)

	c.JSON(f.status, gin.H{
		"success": false,
		"error":   f.message,
		"code":    f.code,
	})
}

func requestID(c *gin.Context) string {
	return c.GetString(middleware.RequestIDKey)
}
