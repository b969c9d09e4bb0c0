package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aegisd/aegis/internal/api/middleware"
	"github.com/aegisd/aegis/internal/services"
)

// SecurityHandler is the collaborator-facing surface: other parts of the
// application report security-relevant conditions here.
type SecurityHandler struct {
	detector  *services.DetectorService
	incidents *services.IncidentService
}

// NewSecurityHandler creates a SecurityHandler.
func NewSecurityHandler(detector *services.DetectorService, incidents *services.IncidentService) *SecurityHandler {
	return &SecurityHandler{detector: detector, incidents: incidents}
}

// ReportEvent ingests one security event. Fire-and-forget for the caller:
// detection failures are logged, the report is still accepted.
func (h *SecurityHandler) ReportEvent(c *gin.Context) {
	var event services.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if event.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_type is required"})
		return
	}

	created, err := h.detector.Detect(c.Request.Context(), event)
	if err != nil {
		middleware.GetRequestLogger(c).WithError(err).Warn("event detection failed")
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "incident_created": created})
}

type bulkOperationRequest struct {
	TableName string                 `json:"table_name" binding:"required"`
	Operation string                 `json:"operation" binding:"required"`
	RowCount  int                    `json:"row_count" binding:"required"`
	Context   map[string]interface{} `json:"context"`
}

// ReportBulkOperation ingests an oversized data operation from the audit
// logger.
func (h *SecurityHandler) ReportBulkOperation(c *gin.Context) {
	var req bulkOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.detector.ReportBulkOperation(c.Request.Context(), req.TableName, req.Operation, req.RowCount, req.Context)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "incident_created": created})
}

// ReportVendorBreach files a third-party breach disclosure as an incident.
func (h *SecurityHandler) ReportVendorBreach(c *gin.Context) {
	var report services.VendorBreachReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	incident, err := h.incidents.ReportVendorBreach(c.Request.Context(), report)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, incident)
}
