package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"telemetry-gateway/internal/credentials"

	"github.com/gin-gonic/gin"
)

// CredentialAdmin is the slice of the credential manager exposed to operators
type CredentialAdmin interface {
	Status() credentials.Status
	Refresh(ctx context.Context) (string, error)
}

// AdminHandler handles administrative operations on the upstream credential
type AdminHandler struct {
	credentials CredentialAdmin
	logger      *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(credentials CredentialAdmin, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		credentials: credentials,
		logger:      logger,
	}
}

// GetCredentialStatus returns the credential lifecycle state. Token material is never included.
// GET /admin/credential/status
func (h *AdminHandler) GetCredentialStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.credentials.Status(),
	})
}

// RefreshCredential forces a credential refresh
// POST /admin/credential/refresh
func (h *AdminHandler) RefreshCredential(c *gin.Context) {
	if _, err := h.credentials.Refresh(c.Request.Context()); err != nil {
		h.logger.Error("Forced credential refresh failed",
			"component", "api.admin",
			"request_id", requestID(c),
			"error", err,
		)
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Credential refreshed on request",
		"component", "api.admin",
		"request_id", requestID(c),
	)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.credentials.Status(),
	})
}
