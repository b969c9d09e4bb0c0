package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aegisd/aegis/internal/logger"
	"github.com/aegisd/aegis/internal/metrics"
	"github.com/aegisd/aegis/internal/models"
)

var (
	ErrIncidentNotFound        = errors.New("incident not found")
	ErrInvalidStatusTransition = errors.New("invalid incident status transition")
	ErrInvalidVendorBreach     = errors.New("vendor name and description are required")
)

// Blocker is the blocking side effect injected into incident creation. The
// concrete implementation lives in BlockerService; the indirection keeps
// incident creation decoupled so a blocking failure can never fail it.
type Blocker interface {
	BlockIP(ctx context.Context, req BlockRequest) (BlockResult, error)
}

// Alerter pushes out-of-band notifications for critical incidents.
type Alerter interface {
	CriticalIncident(incident *models.Incident)
}

// IncidentService owns the durable incident records and their review
// workflow.
type IncidentService struct {
	db      *gorm.DB
	blocker Blocker
	alerter Alerter
}

// NewIncidentService returns an IncidentService. blocker and alerter may be
// nil; both side effects are skipped when absent.
func NewIncidentService(db *gorm.DB, blocker Blocker, alerter Alerter) *IncidentService {
	return &IncidentService{db: db, blocker: blocker, alerter: alerter}
}

// statusTransitions enumerates the allowed review-workflow moves. Resolved
// and false-positive incidents can only be reopened.
var statusTransitions = map[models.IncidentStatus][]models.IncidentStatus{
	models.IncidentStatusOpen:          {models.IncidentStatusInvestigating, models.IncidentStatusResolved, models.IncidentStatusFalsePositive},
	models.IncidentStatusInvestigating: {models.IncidentStatusResolved, models.IncidentStatusFalsePositive, models.IncidentStatusOpen},
	models.IncidentStatusResolved:      {models.IncidentStatusOpen},
	models.IncidentStatusFalsePositive: {models.IncidentStatusOpen},
}

func canTransition(from, to models.IncidentStatus) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Create persists a new incident. Severity is derived from the incident
// type unless the caller (the bulk-operation path) already escalated it.
// If the incident carries a source IP the blocker is invoked; its failure
// is logged and never propagated, so incident creation always wins.
func (s *IncidentService) Create(ctx context.Context, incident *models.Incident) error {
	if incident.UUID == "" {
		incident.UUID = uuid.NewString()
	}
	if incident.Status == "" {
		incident.Status = models.IncidentStatusOpen
	}
	if incident.Severity == "" {
		incident.Severity = SeverityFor(incident.Type)
	}
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = time.Now()
	}

	if err := s.db.Create(incident).Error; err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	metrics.IncIncident(string(incident.Severity))

	if incident.Severity == models.SeverityCritical && s.alerter != nil {
		go s.alerter.CriticalIncident(incident)
	}

	if incident.SourceIP != "" && s.blocker != nil {
		incidentID := incident.ID
		result, err := s.blocker.BlockIP(ctx, BlockRequest{
			IP:           incident.SourceIP,
			IncidentType: incident.Type,
			Severity:     incident.Severity,
			IncidentID:   &incidentID,
			Reason:       incident.Description,
			Endpoint:     incident.Endpoint,
		})
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"ip":       incident.SourceIP,
				"incident": incident.UUID,
			}).WithError(err).Warn("blocking failed after incident creation")
		} else if !result.Success {
			logger.WithFields(map[string]interface{}{
				"ip":     incident.SourceIP,
				"reason": result.Error,
			}).Debug("incident did not trigger a block")
		}
	}

	return nil
}

// IncidentUpdate carries the mutable review fields. Nil pointers leave the
// corresponding column untouched.
type IncidentUpdate struct {
	Status     *models.IncidentStatus
	Notes      *string
	ResolvedBy string

	IsPersonalDataBreach *bool
	BreachCategory       *string
	AuthorityNotifiedAt  *time.Time
	UsersNotifiedAt      *time.Time
}

// Update applies a review-workflow change. Transitioning into resolved or
// false_positive always stamps resolved_at, regardless of prior status.
func (s *IncidentService) Update(id uint, update IncidentUpdate) (*models.Incident, error) {
	var incident models.Incident
	if err := s.db.First(&incident, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIncidentNotFound
		}
		return nil, err
	}

	if update.Status != nil && *update.Status != incident.Status {
		if !canTransition(incident.Status, *update.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, incident.Status, *update.Status)
		}
		incident.Status = *update.Status

		switch *update.Status {
		case models.IncidentStatusResolved, models.IncidentStatusFalsePositive:
			now := time.Now()
			incident.ResolvedAt = &now
			if update.ResolvedBy != "" {
				incident.ResolvedBy = update.ResolvedBy
			}
		case models.IncidentStatusOpen:
			incident.ResolvedAt = nil
			incident.ResolvedBy = ""
		}
	}

	if update.Notes != nil {
		incident.Notes = *update.Notes
	}
	if update.IsPersonalDataBreach != nil {
		incident.IsPersonalDataBreach = *update.IsPersonalDataBreach
	}
	if update.BreachCategory != nil {
		incident.BreachCategory = *update.BreachCategory
	}
	if update.AuthorityNotifiedAt != nil {
		incident.AuthorityNotifiedAt = update.AuthorityNotifiedAt
	}
	if update.UsersNotifiedAt != nil {
		incident.UsersNotifiedAt = update.UsersNotifiedAt
	}

	if err := s.db.Save(&incident).Error; err != nil {
		return nil, fmt.Errorf("save incident: %w", err)
	}
	return &incident, nil
}

// IncidentFilter narrows List results. Zero values mean "any".
type IncidentFilter struct {
	Status   models.IncidentStatus
	Severity models.Severity
	Type     models.IncidentType
	Page     int
	PerPage  int
}

// List returns matching incidents newest first plus the unpaged total.
func (s *IncidentService) List(filter IncidentFilter) ([]models.Incident, int64, error) {
	query := s.db.Model(&models.Incident{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	var incidents []models.Incident
	if err := query.Order("created_at desc").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&incidents).Error; err != nil {
		return nil, 0, err
	}
	return incidents, total, nil
}

// Stats counts open incidents by severity.
func (s *IncidentService) Stats() (map[models.Severity]int64, error) {
	type row struct {
		Severity models.Severity
		Count    int64
	}
	var rows []row
	if err := s.db.Model(&models.Incident{}).
		Select("severity, count(*) as count").
		Where("status = ?", models.IncidentStatusOpen).
		Group("severity").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := map[models.Severity]int64{
		models.SeverityLow:      0,
		models.SeverityMedium:   0,
		models.SeverityHigh:     0,
		models.SeverityCritical: 0,
	}
	for _, r := range rows {
		stats[r.Severity] = r.Count
	}
	return stats, nil
}

// VendorBreachReport is filed by admin tooling when a third-party vendor
// discloses a breach. Vendor breaches are not IP-attributable, so nothing
// is ever blocked for them.
type VendorBreachReport struct {
	VendorName        string   `json:"vendor_name"`
	Description       string   `json:"description"`
	AffectedDataTypes []string `json:"affected_data_types"`
	RiskLevel         string   `json:"risk_level"`
	ReportedBy        string   `json:"reported_by"`
}

// ReportVendorBreach creates an incident directly, bypassing threshold
// logic.
func (s *IncidentService) ReportVendorBreach(ctx context.Context, report VendorBreachReport) (*models.Incident, error) {
	if report.VendorName == "" || report.Description == "" {
		return nil, ErrInvalidVendorBreach
	}

	details, err := json.Marshal(map[string]interface{}{
		"vendor_name":         report.VendorName,
		"affected_data_types": report.AffectedDataTypes,
		"risk_level":          report.RiskLevel,
		"reported_by":         report.ReportedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal breach details: %w", err)
	}

	incident := &models.Incident{
		Type:                 models.IncidentTypeUnauthorizedDataAccess,
		Description:          fmt.Sprintf("vendor breach reported by %s: %s", report.VendorName, report.Description),
		Details:              string(details),
		IsPersonalDataBreach: true,
		BreachCategory:       "vendor",
	}
	if err := s.Create(ctx, incident); err != nil {
		return nil, err
	}
	return incident, nil
}
