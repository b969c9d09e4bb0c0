package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aegisd/aegis/internal/cache"
	"github.com/aegisd/aegis/internal/config"
	"github.com/aegisd/aegis/internal/logger"
	"github.com/aegisd/aegis/internal/metrics"
	"github.com/aegisd/aegis/internal/models"
)

var (
	ErrNoActiveBlock    = errors.New("no active block for ip")
	ErrInvalidBlockType = errors.New("invalid block type")
)

// backoffDurations is the temporary-block ladder indexed by offense level.
// The growth factors are irregular on purpose; do not replace the table
// with a formula.
var backoffDurations = []time.Duration{
	15 * time.Minute,
	60 * time.Minute,
	360 * time.Minute,
	1440 * time.Minute,
	10080 * time.Minute,
}

// temporaryBlockTypes are incident types that earn an escalating temporary
// block.
var temporaryBlockTypes = map[models.IncidentType]struct{}{
	models.IncidentTypeRateLimitExceeded:  {},
	models.IncidentTypeOTPBruteForce:      {},
	models.IncidentTypeSuspiciousPattern:  {},
	models.IncidentTypeUnauthorizedAccess: {},
}

// permanentBlockTypes are incident types blocked permanently on the first
// qualifying incident.
var permanentBlockTypes = map[models.IncidentType]struct{}{
	models.IncidentTypePaymentSignatureInvalid: {},
	models.IncidentTypeWebhookSignatureInvalid: {},
}

// BlockRequest asks the blocker to evaluate one qualifying incident.
type BlockRequest struct {
	IP           string
	IncidentType models.IncidentType
	Severity     models.Severity
	IncidentID   *uint
	Reason       string
	BlockedBy    string
	Endpoint     string
}

// BlockResult reports the outcome of a block evaluation. Business-rule
// rejections (whitelisted IP, ineligible incident type) come back as
// Success=false with Error set, not as a Go error.
type BlockResult struct {
	Success         bool             `json:"success"`
	BlockType       models.BlockType `json:"block_type,omitempty"`
	DurationMinutes int              `json:"duration_minutes,omitempty"`
	OffenseCount    int              `json:"offense_count,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// BlockStatus is the isBlocked answer and also the exact JSON shape cached
// per IP; the gatekeeper fast path parses this blob directly.
type BlockStatus struct {
	IsBlocked    bool             `json:"is_blocked"`
	BlockType    models.BlockType `json:"block_type,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	BlockedUntil *time.Time       `json:"blocked_until,omitempty"`
	OffenseCount int              `json:"offense_count,omitempty"`
}

// BlockCacheKey is the cache key holding the serialized BlockStatus for an
// IP. Shared with the gatekeeper fast check.
func BlockCacheKey(ip string) string {
	return "blocked:" + ip
}

// BlockerService decides block type and duration for offending IPs, keeps
// the durable block state, and holds the two-tier cache coherent with it.
type BlockerService struct {
	db        *gorm.DB
	cache     *cache.Tiered
	whitelist *WhitelistService
	cfg       config.Blocking
}

// NewBlockerService wires the blocker to its store, cache and whitelist.
func NewBlockerService(db *gorm.DB, store *cache.Tiered, whitelist *WhitelistService, cfg config.Blocking) *BlockerService {
	return &BlockerService{db: db, cache: store, whitelist: whitelist, cfg: cfg}
}

func (s *BlockerService) coolingCutoff() time.Time {
	return time.Now().AddDate(0, 0, -s.cfg.CoolingPeriodDays)
}

// offenseCount recomputes the rolling offense count for an IP within the
// cooling period. It is deliberately not a persisted counter: an offender
// dormant for the whole period falls back to level one.
func (s *BlockerService) offenseCount(ip string) (int, error) {
	var count int64
	err := s.db.Model(&models.OffenseHistory{}).
		Where("ip = ? AND created_at >= ?", ip, s.coolingCutoff()).
		Count(&count).Error
	return int(count), err
}

// BlockIP evaluates one incident against the eligibility rules and applies
// or extends a block. Permanent wins over temporary; severity critical is
// always permanent regardless of type.
func (s *BlockerService) BlockIP(ctx context.Context, req BlockRequest) (BlockResult, error) {
	if req.IP == "" {
		return BlockResult{Error: "no source ip"}, nil
	}

	whitelisted, err := s.whitelist.IsWhitelisted(ctx, req.IP)
	if err != nil {
		logger.WithFields(map[string]interface{}{"ip": req.IP}).WithError(err).Warn("whitelist check failed, assuming not whitelisted")
	}
	if whitelisted {
		return BlockResult{Error: "ip is whitelisted"}, nil
	}

	_, permanent := permanentBlockTypes[req.IncidentType]
	if req.Severity == models.SeverityCritical {
		permanent = true
	}
	if !permanent {
		if _, ok := temporaryBlockTypes[req.IncidentType]; !ok {
			return BlockResult{Error: fmt.Sprintf("incident type %s does not trigger blocking", req.IncidentType)}, nil
		}
	}

	current, err := s.offenseCount(req.IP)
	if err != nil {
		return BlockResult{}, fmt.Errorf("count offenses: %w", err)
	}
	newCount := current + 1

	blockType := models.BlockTypeTemporary
	var blockedUntil *time.Time
	var duration time.Duration
	if permanent {
		blockType = models.BlockTypePermanent
	} else {
		level := newCount
		if level > len(backoffDurations) {
			level = len(backoffDurations)
		}
		duration = backoffDurations[level-1]
		until := time.Now().Add(duration)
		blockedUntil = &until
	}

	effective, err := s.upsertActive(req.IP, blockType, req.Reason, newCount, blockedUntil, req.IncidentType, req.IncidentID, req.BlockedBy)
	if err != nil {
		return BlockResult{}, err
	}

	offense := models.OffenseHistory{
		IP:           req.IP,
		IncidentType: req.IncidentType,
		IncidentID:   req.IncidentID,
		Severity:     req.Severity,
		Endpoint:     req.Endpoint,
		Details:      req.Reason,
	}
	if err := s.db.Create(&offense).Error; err != nil {
		return BlockResult{}, fmt.Errorf("append offense history: %w", err)
	}

	// Invalidate after the durable write commits so no reader can re-cache
	// state older than what we just wrote.
	s.invalidate(ctx, req.IP)
	metrics.IncBlock(string(effective))

	result := BlockResult{Success: true, BlockType: effective, OffenseCount: newCount}
	if effective == models.BlockTypeTemporary {
		result.DurationMinutes = int(duration.Minutes())
	}
	return result, nil
}

// upsertActive extends the active row for the IP in place or creates one,
// returning the block type actually in force afterward. An existing
// permanent block is never downgraded by a later temporary offense; only
// explicit deactivation retires it. The conditional update keyed on
// (ip, is_active) plus the partial unique index on active rows mean a
// concurrent loser extends the winner's row instead of inserting a second
// active one.
func (s *BlockerService) upsertActive(ip string, blockType models.BlockType, reason string, offenseCount int, blockedUntil *time.Time, incidentType models.IncidentType, incidentID *uint, blockedBy string) (models.BlockType, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var existing models.BlockedIP
		err := s.db.Where("ip = ? AND is_active = ?", ip, true).First(&existing).Error
		switch {
		case err == nil:
			effective := blockType
			until := blockedUntil
			if existing.BlockType == models.BlockTypePermanent {
				effective = models.BlockTypePermanent
				until = nil
			}
			updates := map[string]interface{}{
				"block_type":    effective,
				"offense_count": offenseCount,
				"blocked_until": until,
				"incident_type": incidentType,
				"incident_id":   incidentID,
			}
			if effective == blockType {
				// Keep the original reason when a lesser offense could not
				// soften the block.
				updates["reason"] = reason
			}
			if blockedBy != "" {
				updates["blocked_by"] = blockedBy
			}
			result := s.db.Model(&models.BlockedIP{}).
				Where("ip = ? AND is_active = ?", ip, true).
				Updates(updates)
			if result.Error != nil {
				return "", result.Error
			}
			if result.RowsAffected > 0 {
				return effective, nil
			}
			// The row was deactivated between read and write; start over.
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry := models.BlockedIP{
				UUID:         uuid.NewString(),
				IP:           ip,
				BlockType:    blockType,
				Reason:       reason,
				OffenseCount: offenseCount,
				IncidentType: incidentType,
				IncidentID:   incidentID,
				BlockedAt:    time.Now(),
				BlockedUntil: blockedUntil,
				BlockedBy:    blockedBy,
				IsActive:     true,
			}
			if createErr := s.db.Create(&entry).Error; createErr != nil {
				// A concurrent first offense won the insert race and the
				// unique index rejected ours; extend the winner's row.
				continue
			}
			return blockType, nil
		default:
			return "", fmt.Errorf("lookup active block: %w", err)
		}
	}
	return "", fmt.Errorf("upsert active block for %s: conflicting concurrent writes", ip)
}

// IsBlocked answers the full read path: whitelist, cache tiers, then the
// durable store as source of truth with write-back into both tiers.
func (s *BlockerService) IsBlocked(ctx context.Context, ip string) (BlockStatus, error) {
	whitelisted, err := s.whitelist.IsWhitelisted(ctx, ip)
	if err != nil {
		logger.WithFields(map[string]interface{}{"ip": ip}).WithError(err).Warn("whitelist check failed during isBlocked")
	}
	if whitelisted {
		return BlockStatus{}, nil
	}

	if raw, err := s.cache.Get(ctx, BlockCacheKey(ip)); err == nil {
		var status BlockStatus
		if err := json.Unmarshal([]byte(raw), &status); err == nil {
			if status.IsBlocked && status.BlockType == models.BlockTypeTemporary &&
				status.BlockedUntil != nil && time.Now().After(*status.BlockedUntil) {
				// Cached block expired; deactivate the row lazily.
				if _, err := s.deactivate(ctx, ip, "system:expired"); err != nil {
					logger.WithFields(map[string]interface{}{"ip": ip}).WithError(err).Warn("lazy deactivation failed")
				}
				return BlockStatus{}, nil
			}
			return status, nil
		}
		// Malformed entry: drop it and fall through to the store.
		_ = s.cache.Delete(ctx, BlockCacheKey(ip))
	}

	var entry models.BlockedIP
	err = s.db.Where("ip = ? AND is_active = ?", ip, true).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		status := BlockStatus{}
		s.writeBack(ctx, ip, status)
		return status, nil
	}
	if err != nil {
		// Degrade rather than raise: an unreachable store must not turn
		// into a denial of service for legitimate traffic.
		logger.WithFields(map[string]interface{}{"ip": ip}).WithError(err).Error("block lookup failed, treating as not blocked")
		return BlockStatus{}, nil
	}

	if entry.BlockType == models.BlockTypeTemporary && entry.BlockedUntil != nil && time.Now().After(*entry.BlockedUntil) {
		if _, err := s.deactivate(ctx, ip, "system:expired"); err != nil {
			logger.WithFields(map[string]interface{}{"ip": ip}).WithError(err).Warn("lazy deactivation failed")
		}
		return BlockStatus{}, nil
	}

	status := BlockStatus{
		IsBlocked:    true,
		BlockType:    entry.BlockType,
		Reason:       entry.Reason,
		BlockedUntil: entry.BlockedUntil,
		OffenseCount: entry.OffenseCount,
	}
	s.writeBack(ctx, ip, status)
	return status, nil
}

// writeBack populates both cache tiers. Temporary blocks are capped so the
// cache cannot outlive the block itself; the floor avoids TTL thrash when
// a block is about to lapse.
func (s *BlockerService) writeBack(ctx context.Context, ip string, status BlockStatus) {
	ttl := time.Duration(s.cfg.CacheTTLSeconds) * time.Second
	if status.IsBlocked && status.BlockType == models.BlockTypeTemporary && status.BlockedUntil != nil {
		if remaining := time.Until(*status.BlockedUntil); remaining < ttl {
			ttl = remaining
		}
		if floor := time.Duration(s.cfg.CacheTTLMinSeconds) * time.Second; ttl < floor {
			ttl = floor
		}
	}

	raw, err := json.Marshal(status)
	if err != nil {
		logger.Log().WithError(err).Warn("marshal block status")
		return
	}
	if err := s.cache.Set(ctx, BlockCacheKey(ip), string(raw), ttl); err != nil {
		logger.WithFields(map[string]interface{}{"ip": ip}).WithError(err).Warn("block status write-back failed")
	}
}

// deactivate retires the active row for an IP and invalidates the cache.
func (s *BlockerService) deactivate(ctx context.Context, ip, by string) (bool, error) {
	now := time.Now()
	result := s.db.Model(&models.BlockedIP{}).
		Where("ip = ? AND is_active = ?", ip, true).
		Updates(map[string]interface{}{
			"is_active":    false,
			"unblocked_at": now,
			"unblocked_by": by,
		})
	if result.Error != nil {
		return false, result.Error
	}
	s.invalidate(ctx, ip)
	return result.RowsAffected > 0, nil
}

// UnblockIP removes the active block for an IP on explicit admin action.
// Returns false when no active block exists.
func (s *BlockerService) UnblockIP(ctx context.Context, ip, adminID string) (bool, error) {
	ok, err := s.deactivate(ctx, ip, adminID)
	if err != nil {
		return false, fmt.Errorf("unblock ip: %w", err)
	}
	if ok {
		metrics.IncUnblock()
	}
	return ok, nil
}

// AdminBlockIP applies a manual block. It bypasses the eligibility rules
// but still honors the whitelist. Manual blocks are not offenses, so no
// offense-history row is appended.
func (s *BlockerService) AdminBlockIP(ctx context.Context, ip string, blockType models.BlockType, reason, adminID string, durationMinutes int) (BlockResult, error) {
	if blockType != models.BlockTypeTemporary && blockType != models.BlockTypePermanent {
		return BlockResult{}, fmt.Errorf("%w: %s", ErrInvalidBlockType, blockType)
	}

	whitelisted, err := s.whitelist.IsWhitelisted(ctx, ip)
	if err != nil {
		logger.WithFields(map[string]interface{}{"ip": ip}).WithError(err).Warn("whitelist check failed, assuming not whitelisted")
	}
	if whitelisted {
		return BlockResult{Error: "ip is whitelisted"}, nil
	}

	var blockedUntil *time.Time
	if blockType == models.BlockTypeTemporary {
		if durationMinutes <= 0 {
			durationMinutes = int(backoffDurations[0].Minutes())
		}
		until := time.Now().Add(time.Duration(durationMinutes) * time.Minute)
		blockedUntil = &until
	}

	current, err := s.offenseCount(ip)
	if err != nil {
		return BlockResult{}, fmt.Errorf("count offenses: %w", err)
	}

	effective, err := s.upsertActive(ip, blockType, reason, current, blockedUntil, models.IncidentTypeSuspiciousPattern, nil, adminID)
	if err != nil {
		return BlockResult{}, err
	}
	s.invalidate(ctx, ip)
	metrics.IncBlock(string(effective))

	result := BlockResult{Success: true, BlockType: effective, OffenseCount: current}
	if effective == models.BlockTypeTemporary {
		result.DurationMinutes = durationMinutes
	}
	return result, nil
}

// ListBlocked returns block rows newest first, optionally only active ones.
func (s *BlockerService) ListBlocked(activeOnly bool, page, perPage int) ([]models.BlockedIP, int64, error) {
	query := s.db.Model(&models.BlockedIP{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	var entries []models.BlockedIP
	if err := query.Order("blocked_at desc").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListOffenses returns the offense history for one IP, newest first.
func (s *BlockerService) ListOffenses(ip string, page, perPage int) ([]models.OffenseHistory, int64, error) {
	query := s.db.Model(&models.OffenseHistory{}).Where("ip = ?", ip)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	var offenses []models.OffenseHistory
	if err := query.Order("created_at desc").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&offenses).Error; err != nil {
		return nil, 0, err
	}
	return offenses, total, nil
}

// DeactivateExpired retires temporary blocks whose blocked_until has
// passed. Called from the scheduled sweep; reads never depend on it
// because expiry is also checked lazily.
func (s *BlockerService) DeactivateExpired(ctx context.Context) (int, error) {
	var expired []models.BlockedIP
	if err := s.db.Where(
		"is_active = ? AND block_type = ? AND blocked_until IS NOT NULL AND blocked_until <= ?",
		true, models.BlockTypeTemporary, time.Now(),
	).Find(&expired).Error; err != nil {
		return 0, err
	}

	for _, entry := range expired {
		if _, err := s.deactivate(ctx, entry.IP, "system:expired"); err != nil {
			logger.WithFields(map[string]interface{}{"ip": entry.IP}).WithError(err).Warn("sweep deactivation failed")
		}
	}
	return len(expired), nil
}

func (s *BlockerService) invalidate(ctx context.Context, ip string) {
	if err := s.cache.Delete(ctx, BlockCacheKey(ip)); err != nil {
		logger.WithFields(map[string]interface{}{"ip": ip}).WithError(err).Warn("block cache invalidation failed")
	}
}
