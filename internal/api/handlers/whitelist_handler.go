package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegisd/aegis/internal/api/middleware"
	"github.com/aegisd/aegis/internal/models"
	"github.com/aegisd/aegis/internal/services"
)

// WhitelistHandler manages the allow-list of never-blocked IPs and ranges.
type WhitelistHandler struct {
	whitelist *services.WhitelistService
}

// NewWhitelistHandler creates a WhitelistHandler.
func NewWhitelistHandler(whitelist *services.WhitelistService) *WhitelistHandler {
	return &WhitelistHandler{whitelist: whitelist}
}

// List returns all whitelist entries.
func (h *WhitelistHandler) List(c *gin.Context) {
	entries, err := h.whitelist.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list whitelist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries})
}

type whitelistAddRequest struct {
	IP       string                   `json:"ip" binding:"required"`
	Label    string                   `json:"label" binding:"required"`
	Category models.WhitelistCategory `json:"category" binding:"required"`
	Notes    string                   `json:"notes"`
}

// Add creates a whitelist entry.
func (h *WhitelistHandler) Add(c *gin.Context) {
	var req whitelistAddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry := &models.WhitelistEntry{
		IP:       req.IP,
		Label:    req.Label,
		Category: req.Category,
		Notes:    req.Notes,
		AddedBy:  middleware.CallerUUID(c),
	}
	err := h.whitelist.Add(c.Request.Context(), entry)
	switch {
	case errors.Is(err, services.ErrInvalidWhitelistIP), errors.Is(err, services.ErrInvalidWhitelistCategory):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrWhitelistEntryExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add whitelist entry"})
	default:
		c.JSON(http.StatusCreated, entry)
	}
}

// Remove deactivates the whitelist entry for an IP.
func (h *WhitelistHandler) Remove(c *gin.Context) {
	ok, err := h.whitelist.Remove(c.Request.Context(), c.Param("ip"), middleware.CallerUUID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove whitelist entry"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active whitelist entry for ip"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
