package models

import (
	"time"
)

// IncidentType classifies a detected security-relevant condition.
type IncidentType string

const (
	// IncidentTypeNone is the sentinel for events that are not tracked at all.
	IncidentTypeNone IncidentType = ""

	IncidentTypeRateLimitExceeded       IncidentType = "rate_limit_exceeded"
	IncidentTypePaymentSignatureInvalid IncidentType = "payment_signature_invalid"
	IncidentTypeWebhookSignatureInvalid IncidentType = "webhook_signature_invalid"
	IncidentTypeOTPBruteForce           IncidentType = "otp_brute_force"
	IncidentTypeUnauthorizedAccess      IncidentType = "unauthorized_access"
	IncidentTypeSuspiciousPattern       IncidentType = "suspicious_pattern"
	IncidentTypeAdminAuthFailure        IncidentType = "admin_auth_failure"
	IncidentTypeBulkDataExport          IncidentType = "bulk_data_export"
	IncidentTypeUnauthorizedDataAccess  IncidentType = "unauthorized_data_access"
	IncidentTypeDataModificationAnomaly IncidentType = "data_modification_anomaly"
	IncidentTypeSchemaChangeDetected    IncidentType = "schema_change_detected"
	IncidentTypeServiceDisruption       IncidentType = "service_disruption"
	IncidentTypeDataDeletionAlert       IncidentType = "data_deletion_alert"
	IncidentTypeBackupFailure           IncidentType = "backup_failure"
)

// Severity ranks how serious an incident is. It is always derived from the
// incident type, never supplied by callers.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IncidentStatus tracks the review workflow of an incident.
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusResolved      IncidentStatus = "resolved"
	IncidentStatusFalsePositive IncidentStatus = "false_positive"
)

// Incident is a durable record of a detected security-relevant condition.
// Rows are never physically deleted; review happens through status updates.
type Incident struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	UUID        string         `json:"uuid" gorm:"uniqueIndex"`
	Type        IncidentType   `json:"type" gorm:"index"`
	Severity    Severity       `json:"severity" gorm:"index"`
	SourceIP    string         `json:"source_ip" gorm:"index"`
	OrderID     string         `json:"order_id"`
	AdminUserID string         `json:"admin_user_id"`
	GuestEmail  string         `json:"guest_email"`
	Endpoint    string         `json:"endpoint"`
	Description string         `json:"description"`
	Details     string         `json:"details" gorm:"type:text"` // JSON object with event context
	Status      IncidentStatus `json:"status" gorm:"index"`
	Notes       string         `json:"notes" gorm:"type:text"`
	CreatedAt   time.Time      `json:"created_at" gorm:"index"`
	ResolvedAt  *time.Time     `json:"resolved_at"`
	ResolvedBy  string         `json:"resolved_by"`

	// Breach-disclosure fields used by the incident review workflow only;
	// the blocker never reads them.
	IsPersonalDataBreach bool       `json:"is_personal_data_breach"`
	BreachCategory       string     `json:"breach_category"`
	AuthorityNotifiedAt  *time.Time `json:"authority_notified_at"`
	UsersNotifiedAt      *time.Time `json:"users_notified_at"`
}
