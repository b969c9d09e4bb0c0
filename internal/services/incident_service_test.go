package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aegisd/aegis/internal/models"
)

type recordingBlocker struct {
	mu       sync.Mutex
	requests []BlockRequest
	err      error
}

func (b *recordingBlocker) BlockIP(_ context.Context, req BlockRequest) (BlockResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.err != nil {
		return BlockResult{}, b.err
	}
	return BlockResult{Success: true}, nil
}

func (b *recordingBlocker) calls() []BlockRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BlockRequest(nil), b.requests...)
}

type recordingAlerter struct {
	alerts chan *models.Incident
}

func newRecordingAlerter() *recordingAlerter {
	return &recordingAlerter{alerts: make(chan *models.Incident, 4)}
}

func (a *recordingAlerter) CriticalIncident(incident *models.Incident) {
	a.alerts <- incident
}

func setupIncidentTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	assert.NoError(t, err)

	err = db.AutoMigrate(&models.Incident{})
	assert.NoError(t, err)

	return db
}

func TestIncidentService_Create_Defaults(t *testing.T) {
	db := setupIncidentTestDB(t)
	svc := NewIncidentService(db, nil, nil)

	incident := &models.Incident{Type: models.IncidentTypeRateLimitExceeded}
	err := svc.Create(context.Background(), incident)
	assert.NoError(t, err)
	assert.NotEmpty(t, incident.UUID)
	assert.Equal(t, models.IncidentStatusOpen, incident.Status)
	assert.Equal(t, models.SeverityMedium, incident.Severity)
	assert.False(t, incident.CreatedAt.IsZero())
}

func TestIncidentService_Create_PreEscalatedSeverityIsKept(t *testing.T) {
	db := setupIncidentTestDB(t)
	svc := NewIncidentService(db, nil, nil)

	incident := &models.Incident{
		Type:     models.IncidentTypeDataModificationAnomaly,
		Severity: models.SeverityHigh,
	}
	err := svc.Create(context.Background(), incident)
	assert.NoError(t, err)
	assert.Equal(t, models.SeverityHigh, incident.Severity)
}

func TestIncidentService_Create_InvokesBlockerForSourceIP(t *testing.T) {
	db := setupIncidentTestDB(t)
	blocker := &recordingBlocker{}
	svc := NewIncidentService(db, blocker, nil)

	incident := &models.Incident{
		Type:        models.IncidentTypeRateLimitExceeded,
		SourceIP:    "203.0.113.7",
		Description: "rate limit exceeded",
	}
	err := svc.Create(context.Background(), incident)
	assert.NoError(t, err)

	calls := blocker.calls()
	assert.Len(t, calls, 1)
	assert.Equal(t, "203.0.113.7", calls[0].IP)
	assert.Equal(t, models.IncidentTypeRateLimitExceeded, calls[0].IncidentType)
	assert.NotNil(t, calls[0].IncidentID)
	assert.Equal(t, incident.ID, *calls[0].IncidentID)
}

func TestIncidentService_Create_SucceedsWhenBlockerFails(t *testing.T) {
	db := setupIncidentTestDB(t)
	blocker := &recordingBlocker{err: errors.New("store unreachable")}
	svc := NewIncidentService(db, blocker, nil)

	incident := &models.Incident{
		Type:     models.IncidentTypeRateLimitExceeded,
		SourceIP: "203.0.113.7",
	}
	err := svc.Create(context.Background(), incident)
	assert.NoError(t, err)

	var count int64
	db.Model(&models.Incident{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestIncidentService_Create_NoSourceIPSkipsBlocker(t *testing.T) {
	db := setupIncidentTestDB(t)
	blocker := &recordingBlocker{}
	svc := NewIncidentService(db, blocker, nil)

	err := svc.Create(context.Background(), &models.Incident{Type: models.IncidentTypeBackupFailure})
	assert.NoError(t, err)
	assert.Len(t, blocker.calls(), 0)
}

func TestIncidentService_Create_AlertsOnCritical(t *testing.T) {
	db := setupIncidentTestDB(t)
	alerter := newRecordingAlerter()
	svc := NewIncidentService(db, nil, alerter)

	err := svc.Create(context.Background(), &models.Incident{Type: models.IncidentTypePaymentSignatureInvalid})
	assert.NoError(t, err)

	select {
	case alerted := <-alerter.alerts:
		assert.Equal(t, models.IncidentTypePaymentSignatureInvalid, alerted.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a critical alert")
	}

	// Non-critical incidents do not alert.
	err = svc.Create(context.Background(), &models.Incident{Type: models.IncidentTypeRateLimitExceeded})
	assert.NoError(t, err)
	select {
	case <-alerter.alerts:
		t.Fatal("unexpected alert for medium incident")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIncidentService_Update_StatusWorkflow(t *testing.T) {
	db := setupIncidentTestDB(t)
	svc := NewIncidentService(db, nil, nil)

	incident := &models.Incident{Type: models.IncidentTypeRateLimitExceeded}
	assert.NoError(t, svc.Create(context.Background(), incident))

	investigating := models.IncidentStatusInvestigating
	updated, err := svc.Update(incident.ID, IncidentUpdate{Status: &investigating})
	assert.NoError(t, err)
	assert.Equal(t, models.IncidentStatusInvestigating, updated.Status)
	assert.Nil(t, updated.ResolvedAt)

	resolved := models.IncidentStatusResolved
	updated, err = svc.Update(incident.ID, IncidentUpdate{Status: &resolved, ResolvedBy: "admin-1"})
	assert.NoError(t, err)
	assert.Equal(t, models.IncidentStatusResolved, updated.Status)
	assert.NotNil(t, updated.ResolvedAt)
	assert.Equal(t, "admin-1", updated.ResolvedBy)

	// Resolved incidents cannot move to investigating directly.
	_, err = svc.Update(incident.ID, IncidentUpdate{Status: &investigating})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	// Reopening clears the resolution stamp.
	open := models.IncidentStatusOpen
	updated, err = svc.Update(incident.ID, IncidentUpdate{Status: &open})
	assert.NoError(t, err)
	assert.Equal(t, models.IncidentStatusOpen, updated.Status)
	assert.Nil(t, updated.ResolvedAt)
	assert.Empty(t, updated.ResolvedBy)
}

func TestIncidentService_Update_FalsePositiveStampsResolution(t *testing.T) {
	db := setupIncidentTestDB(t)
	svc := NewIncidentService(db, nil, nil)

	incident := &models.Incident{Type: models.IncidentTypeUnauthorizedAccess}
	assert.NoError(t, svc.Create(context.Background(), incident))

	falsePositive := models.IncidentStatusFalsePositive
	notes := "scanner traffic from our own monitoring"
	updated, err := svc.Update(incident.ID, IncidentUpdate{Status: &falsePositive, Notes: &notes, ResolvedBy: "admin-2"})
	assert.NoError(t, err)
	assert.Equal(t, models.IncidentStatusFalsePositive, updated.Status)
	assert.NotNil(t, updated.ResolvedAt)
	assert.Equal(t, notes, updated.Notes)
}

func TestIncidentService_Update_NotFound(t *testing.T) {
	db := setupIncidentTestDB(t)
	svc := NewIncidentService(db, nil, nil)

	open := models.IncidentStatusOpen
	_, err := svc.Update(9999, IncidentUpdate{Status: &open})
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestIncidentService_ListAndFilter(t *testing.T) {
	db := setupIncidentTestDB(t)
	svc := NewIncidentService(db, nil, nil)
	ctx := context.Background()

	assert.NoError(t, svc.Create(ctx, &models.Incident{Type: models.IncidentTypeRateLimitExceeded}))
	assert.NoError(t, svc.Create(ctx, &models.Incident{Type: models.IncidentTypeOTPBruteForce}))
	assert.NoError(t, svc.Create(ctx, &models.Incident{Type: models.IncidentTypeOTPBruteForce}))

	all, total, err := svc.List(IncidentFilter{})
	assert.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, all, 3)

	brute, total, err := svc.List(IncidentFilter{Type: models.IncidentTypeOTPBruteForce})
	assert.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, brute, 2)

	paged, total, err := svc.List(IncidentFilter{Page: 2, PerPage: 2})
	assert.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, paged, 1)
}

func TestIncidentService_Stats(t *testing.T) {
	db := setupIncidentTestDB(t)
	svc := NewIncidentService(db, nil, nil)
	ctx := context.Background()

	assert.NoError(t, svc.Create(ctx, &models.Incident{Type: models.IncidentTypeRateLimitExceeded}))
	assert.NoError(t, svc.Create(ctx, &models.Incident{Type: models.IncidentTypeOTPBruteForce}))
	resolvedIncident := &models.Incident{Type: models.IncidentTypeOTPBruteForce}
	assert.NoError(t, svc.Create(ctx, resolvedIncident))
	resolved := models.IncidentStatusResolved
	_, err := svc.Update(resolvedIncident.ID, IncidentUpdate{Status: &resolved})
	assert.NoError(t, err)

	stats, err := svc.Stats()
	assert.NoError(t, err)
	assert.EqualValues(t, 1, stats[models.SeverityMedium])
	assert.EqualValues(t, 1, stats[models.SeverityHigh])
	// Severities with no open incidents are present at zero.
	assert.EqualValues(t, 0, stats[models.SeverityCritical])
	assert.EqualValues(t, 0, stats[models.SeverityLow])
}

func TestIncidentService_ReportVendorBreach(t *testing.T) {
	db := setupIncidentTestDB(t)
	blocker := &recordingBlocker{}
	svc := NewIncidentService(db, blocker, nil)

	incident, err := svc.ReportVendorBreach(context.Background(), VendorBreachReport{
		VendorName:        "Acme Payments",
		Description:       "customer emails exposed",
		AffectedDataTypes: []string{"email"},
		RiskLevel:         "high",
		ReportedBy:        "admin-1",
	})
	assert.NoError(t, err)
	assert.Equal(t, models.IncidentTypeUnauthorizedDataAccess, incident.Type)
	assert.Equal(t, models.SeverityHigh, incident.Severity)
	assert.True(t, incident.IsPersonalDataBreach)
	assert.Equal(t, "vendor", incident.BreachCategory)
	assert.Contains(t, incident.Details, "Acme Payments")

	// Vendor breaches carry no source IP, so nothing is ever blocked.
	assert.Len(t, blocker.calls(), 0)
}

func TestIncidentService_ReportVendorBreach_RequiresVendorAndDescription(t *testing.T) {
	db := setupIncidentTestDB(t)
	svc := NewIncidentService(db, nil, nil)

	_, err := svc.ReportVendorBreach(context.Background(), VendorBreachReport{VendorName: "Acme"})
	assert.ErrorIs(t, err, ErrInvalidVendorBreach)

	_, err = svc.ReportVendorBreach(context.Background(), VendorBreachReport{Description: "something leaked"})
	assert.ErrorIs(t, err, ErrInvalidVendorBreach)
}
