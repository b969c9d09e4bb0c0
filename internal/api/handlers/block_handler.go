package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegisd/aegis/internal/api/middleware"
	"github.com/aegisd/aegis/internal/gatekeeper"
	"github.com/aegisd/aegis/internal/models"
	"github.com/aegisd/aegis/internal/services"
)

// BlockHandler serves block-state reads for middleware layers and the
// admin block-management surface.
type BlockHandler struct {
	blocker *services.BlockerService
	gate    *gatekeeper.Gatekeeper
}

// NewBlockHandler creates a BlockHandler.
func NewBlockHandler(blocker *services.BlockerService, gate *gatekeeper.Gatekeeper) *BlockHandler {
	return &BlockHandler{blocker: blocker, gate: gate}
}

// FastCheck is the cache-only block check for the reverse-proxy/edge
// layer. It never errors: any failure reads as not-blocked.
func (h *BlockHandler) FastCheck(c *gin.Context) {
	status := h.gate.Check(c.Request.Context(), c.Param("ip"))
	c.JSON(http.StatusOK, status)
}

// Check is the full isBlocked evaluation.
func (h *BlockHandler) Check(c *gin.Context) {
	status, err := h.blocker.IsBlocked(c.Request.Context(), c.Param("ip"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "block check failed"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// List returns block rows for the admin console.
func (h *BlockHandler) List(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	page := intQuery(c, "page", 1)
	perPage := intQuery(c, "per_page", 50)

	entries, total, err := h.blocker.ListBlocked(activeOnly, page, perPage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list blocked ips"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": entries, "total": total, "page": page, "per_page": perPage})
}

// Offenses returns the offense history for one IP.
func (h *BlockHandler) Offenses(c *gin.Context) {
	page := intQuery(c, "page", 1)
	perPage := intQuery(c, "per_page", 50)

	offenses, total, err := h.blocker.ListOffenses(c.Param("ip"), page, perPage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list offenses"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": offenses, "total": total, "page": page, "per_page": perPage})
}

type adminBlockRequest struct {
	IP              string           `json:"ip" binding:"required"`
	BlockType       models.BlockType `json:"block_type" binding:"required"`
	Reason          string           `json:"reason" binding:"required"`
	DurationMinutes int              `json:"duration_minutes"`
}

// Block applies a manual block on behalf of the authenticated admin.
func (h *BlockHandler) Block(c *gin.Context) {
	var req adminBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.blocker.AdminBlockIP(c.Request.Context(), req.IP, req.BlockType, req.Reason, middleware.CallerUUID(c), req.DurationMinutes)
	switch {
	case errors.Is(err, services.ErrInvalidBlockType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to block ip"})
	case !result.Success:
		c.JSON(http.StatusConflict, result)
	default:
		c.JSON(http.StatusOK, result)
	}
}

// Unblock removes the active block for an IP.
func (h *BlockHandler) Unblock(c *gin.Context) {
	ok, err := h.blocker.UnblockIP(c.Request.Context(), c.Param("ip"), middleware.CallerUUID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unblock ip"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active block for ip"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
