package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aegisd/aegis/internal/cache"
	"github.com/aegisd/aegis/internal/config"
	"github.com/aegisd/aegis/internal/logger"
	"github.com/aegisd/aegis/internal/metrics"
	"github.com/aegisd/aegis/internal/models"
)

// Event is a raw security-relevant condition reported by a collaborator
// (rate limiter, signature verifier, OTP verifier, authorization checks).
type Event struct {
	Type     string                 `json:"event_type"`
	IP       string                 `json:"ip"`
	UserID   string                 `json:"user_id"`
	OrderID  string                 `json:"order_id"`
	Endpoint string                 `json:"endpoint"`
	Details  map[string]interface{} `json:"details"`
}

// detectionRule ties an event family to its counter key prefix, threshold
// and the incident type created on a threshold crossing.
type detectionRule struct {
	keyPrefix    string
	incidentType models.IncidentType
	threshold    int
	// keyByOrder prefers the order id over the IP as counter subject, so
	// OTP brute force against one order is counted across rotating IPs.
	keyByOrder bool
}

// DetectorService turns raw events into incidents by counting them in fixed
// windows and persisting exactly one incident per threshold crossing.
type DetectorService struct {
	counters  *cache.Tiered
	incidents *IncidentService
	cfg       config.Detection
}

// NewDetectorService wires the detector to its counter store and sink.
func NewDetectorService(counters *cache.Tiered, incidents *IncidentService, cfg config.Detection) *DetectorService {
	return &DetectorService{counters: counters, incidents: incidents, cfg: cfg}
}

// ruleFor derives the incident type through the classifier so the two can
// never disagree; only the counter key prefix and threshold live here.
func (s *DetectorService) ruleFor(eventType string) (detectionRule, bool) {
	incidentType := EventIncidentType(eventType)
	switch incidentType {
	case models.IncidentTypeRateLimitExceeded:
		return detectionRule{
			keyPrefix:    "ratelimit:",
			incidentType: incidentType,
			threshold:    s.cfg.RateLimitThreshold,
		}, true
	case models.IncidentTypePaymentSignatureInvalid, models.IncidentTypeWebhookSignatureInvalid:
		return detectionRule{
			keyPrefix:    "signature:",
			incidentType: incidentType,
			threshold:    s.cfg.SignatureThreshold,
		}, true
	case models.IncidentTypeOTPBruteForce:
		return detectionRule{
			keyPrefix:    "bruteforce:",
			incidentType: incidentType,
			threshold:    s.cfg.BruteForceThreshold,
			keyByOrder:   true,
		}, true
	case models.IncidentTypeUnauthorizedAccess:
		return detectionRule{
			keyPrefix:    "unauth:",
			incidentType: incidentType,
			threshold:    s.cfg.UnauthThreshold,
		}, true
	}
	return detectionRule{}, false
}

// Detect increments the window counter for the event and creates an
// incident when the count lands exactly on the threshold. Returns whether
// an incident was created. Events outside the rule table never touch a
// counter.
func (s *DetectorService) Detect(ctx context.Context, event Event) (bool, error) {
	metrics.IncEvent(event.Type)

	rule, ok := s.ruleFor(event.Type)
	if !ok {
		return false, nil
	}

	subject := event.IP
	if rule.keyByOrder && event.OrderID != "" {
		subject = event.OrderID
	}
	if subject == "" {
		return false, nil
	}

	window := time.Duration(s.cfg.WindowMinutes) * time.Minute
	count, err := s.counters.Increment(ctx, rule.keyPrefix+subject, window)
	if err != nil {
		return false, fmt.Errorf("increment counter: %w", err)
	}

	// Exact equality makes the crossing fire once per window: with atomic
	// increments only one concurrent event can observe the threshold value.
	if count != int64(rule.threshold) {
		return false, nil
	}

	incident := &models.Incident{
		Type:        rule.incidentType,
		SourceIP:    event.IP,
		OrderID:     event.OrderID,
		AdminUserID: event.UserID,
		Endpoint:    event.Endpoint,
		Description: fmt.Sprintf("%s: %d events within %d minutes", event.Type, count, s.cfg.WindowMinutes),
		Details:     marshalDetails(event.Details),
	}
	if err := s.incidents.Create(ctx, incident); err != nil {
		return false, fmt.Errorf("persist incident: %w", err)
	}

	return true, nil
}

// bulkEscalationMultiple returns the multiple of the threshold at which a
// bulk operation escalates to high severity. Deletions and updates escalate
// earlier than reads.
func bulkEscalationMultiple(operation string) int {
	switch operation {
	case "DELETE", "UPDATE":
		return 2
	default:
		return 3
	}
}

// ReportBulkOperation evaluates an oversized data operation reported by the
// audit logger. This is a direct create per oversized operation, not a
// windowed counter.
func (s *DetectorService) ReportBulkOperation(ctx context.Context, tableName, operation string, rowCount int, details map[string]interface{}) (bool, error) {
	operation = strings.ToUpper(strings.TrimSpace(operation))

	var threshold int
	switch operation {
	case "SELECT":
		threshold = s.cfg.BulkSelectThreshold
	case "INSERT":
		threshold = s.cfg.BulkInsertThreshold
	case "UPDATE":
		threshold = s.cfg.BulkUpdateThreshold
	case "DELETE":
		threshold = s.cfg.BulkDeleteThreshold
	default:
		return false, fmt.Errorf("unknown bulk operation %q", operation)
	}

	if rowCount < threshold {
		return false, nil
	}

	var incidentType models.IncidentType
	switch operation {
	case "DELETE":
		incidentType = models.IncidentTypeDataDeletionAlert
	case "SELECT":
		incidentType = models.IncidentTypeBulkDataExport
	case "UPDATE":
		incidentType = models.IncidentTypeDataModificationAnomaly
	default:
		incidentType = models.IncidentTypeSuspiciousPattern
	}

	severity := SeverityFor(incidentType)
	if rowCount >= bulkEscalationMultiple(operation)*threshold && severity != models.SeverityCritical {
		severity = models.SeverityHigh
	}

	if details == nil {
		details = map[string]interface{}{}
	}
	details["table"] = tableName
	details["operation"] = operation
	details["row_count"] = rowCount
	details["threshold"] = threshold

	incident := &models.Incident{
		Type:        incidentType,
		Severity:    severity,
		Description: fmt.Sprintf("bulk %s on %s touched %d rows (threshold %d)", operation, tableName, rowCount, threshold),
		Details:     marshalDetails(details),
	}
	if err := s.incidents.Create(ctx, incident); err != nil {
		return false, fmt.Errorf("persist incident: %w", err)
	}

	return true, nil
}

func marshalDetails(details map[string]interface{}) string {
	if len(details) == 0 {
		return ""
	}
	raw, err := json.Marshal(details)
	if err != nil {
		logger.Log().WithError(err).Warn("marshal event details")
		return ""
	}
	return string(raw)
}
