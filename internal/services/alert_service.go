package services

import (
	"fmt"

	"github.com/containrrr/shoutrrr"

	"github.com/aegisd/aegis/internal/logger"
	"github.com/aegisd/aegis/internal/models"
)

// AlertService pushes critical-incident notifications to an external
// channel (Discord, Slack, email...) through a shoutrrr URL.
type AlertService struct {
	url string
}

// NewAlertService returns an AlertService. An empty URL disables sending.
func NewAlertService(url string) *AlertService {
	return &AlertService{url: url}
}

// CriticalIncident sends a push notification for a critical incident.
// Failures are logged only; alerting is best effort.
func (s *AlertService) CriticalIncident(incident *models.Incident) {
	if s.url == "" {
		return
	}

	msg := fmt.Sprintf("[CRITICAL] %s incident %s: %s", incident.Type, incident.UUID, incident.Description)
	if incident.SourceIP != "" {
		msg += fmt.Sprintf(" (source %s)", incident.SourceIP)
	}

	if err := shoutrrr.Send(s.url, msg); err != nil {
		logger.WithFields(map[string]interface{}{"incident": incident.UUID}).WithError(err).Warn("critical incident alert failed")
	}
}
