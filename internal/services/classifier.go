package services

import (
	"github.com/aegisd/aegis/internal/models"
)

// eventIncidentTypes maps raw event names reported by collaborators to the
// incident type they classify as. Events absent from this table are not
// tracked at all (EventIncidentType returns IncidentTypeNone), which is
// distinct from trackable-but-unclassified conditions that fall into
// suspicious_pattern.
var eventIncidentTypes = map[string]models.IncidentType{
	"rate_limit_exceeded":        models.IncidentTypeRateLimitExceeded,
	"payment_signature_invalid":  models.IncidentTypePaymentSignatureInvalid,
	"payment_signature_mismatch": models.IncidentTypePaymentSignatureInvalid,
	"webhook_signature_invalid":  models.IncidentTypeWebhookSignatureInvalid,
	"webhook_signature_mismatch": models.IncidentTypeWebhookSignatureInvalid,
	"otp_account_locked":         models.IncidentTypeOTPBruteForce,
	"otp_verification_failed":    models.IncidentTypeOTPBruteForce,
	"unauthorized_access":        models.IncidentTypeUnauthorizedAccess,
	"unauthorized_order_access":  models.IncidentTypeUnauthorizedAccess,
	"admin_auth_failure":         models.IncidentTypeAdminAuthFailure,
	"schema_change_detected":     models.IncidentTypeSchemaChangeDetected,
	"service_disruption":         models.IncidentTypeServiceDisruption,
	"backup_failure":             models.IncidentTypeBackupFailure,
	"suspicious_pattern":         models.IncidentTypeSuspiciousPattern,
}

// EventIncidentType classifies a raw event name. The sentinel
// IncidentTypeNone means "do not count this event".
func EventIncidentType(event string) models.IncidentType {
	if t, ok := eventIncidentTypes[event]; ok {
		return t
	}
	return models.IncidentTypeNone
}

var criticalTypes = map[models.IncidentType]struct{}{
	models.IncidentTypePaymentSignatureInvalid: {},
	models.IncidentTypeWebhookSignatureInvalid: {},
	models.IncidentTypeSchemaChangeDetected:    {},
	models.IncidentTypeServiceDisruption:       {},
}

var highTypes = map[models.IncidentType]struct{}{
	models.IncidentTypeOTPBruteForce:          {},
	models.IncidentTypeAdminAuthFailure:       {},
	models.IncidentTypeBulkDataExport:         {},
	models.IncidentTypeDataDeletionAlert:      {},
	models.IncidentTypeUnauthorizedDataAccess: {},
}

var mediumTypes = map[models.IncidentType]struct{}{
	models.IncidentTypeRateLimitExceeded:       {},
	models.IncidentTypeUnauthorizedAccess:      {},
	models.IncidentTypeDataModificationAnomaly: {},
	models.IncidentTypeBackupFailure:           {},
}

// SeverityFor derives the severity of an incident type. Severity is never
// caller-supplied; anything outside the three explicit sets is low.
func SeverityFor(incidentType models.IncidentType) models.Severity {
	if _, ok := criticalTypes[incidentType]; ok {
		return models.SeverityCritical
	}
	if _, ok := highTypes[incidentType]; ok {
		return models.SeverityHigh
	}
	if _, ok := mediumTypes[incidentType]; ok {
		return models.SeverityMedium
	}
	return models.SeverityLow
}
