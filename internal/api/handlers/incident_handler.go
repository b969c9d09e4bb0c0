package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aegisd/aegis/internal/models"
	"github.com/aegisd/aegis/internal/services"
)

// IncidentHandler serves the admin incident-review surface.
type IncidentHandler struct {
	incidents *services.IncidentService
}

// NewIncidentHandler creates an IncidentHandler.
func NewIncidentHandler(incidents *services.IncidentService) *IncidentHandler {
	return &IncidentHandler{incidents: incidents}
}

// List returns incidents filtered by status, severity and type.
func (h *IncidentHandler) List(c *gin.Context) {
	filter := services.IncidentFilter{
		Status:   models.IncidentStatus(c.Query("status")),
		Severity: models.Severity(c.Query("severity")),
		Type:     models.IncidentType(c.Query("type")),
		Page:     intQuery(c, "page", 1),
		PerPage:  intQuery(c, "per_page", 50),
	}

	incidents, total, err := h.incidents.List(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list incidents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":    incidents,
		"total":    total,
		"page":     filter.Page,
		"per_page": filter.PerPage,
	})
}

// Stats returns open-incident counts by severity.
func (h *IncidentHandler) Stats(c *gin.Context) {
	stats, err := h.incidents.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"open_by_severity": stats})
}

type incidentUpdateRequest struct {
	Status               *models.IncidentStatus `json:"status"`
	Notes                *string                `json:"notes"`
	ResolvedBy           string                 `json:"resolved_by"`
	IsPersonalDataBreach *bool                  `json:"is_personal_data_breach"`
	BreachCategory       *string                `json:"breach_category"`
}

// Update applies a review-workflow change to one incident.
func (h *IncidentHandler) Update(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid incident id"})
		return
	}

	var req incidentUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	incident, err := h.incidents.Update(uint(id), services.IncidentUpdate{
		Status:               req.Status,
		Notes:                req.Notes,
		ResolvedBy:           req.ResolvedBy,
		IsPersonalDataBreach: req.IsPersonalDataBreach,
		BreachCategory:       req.BreachCategory,
	})
	switch {
	case errors.Is(err, services.ErrIncidentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
	case errors.Is(err, services.ErrInvalidStatusTransition):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update incident"})
	default:
		c.JSON(http.StatusOK, incident)
	}
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if raw := c.Query(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}
