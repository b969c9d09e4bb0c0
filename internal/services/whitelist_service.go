package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"gorm.io/gorm"

	"github.com/aegisd/aegis/internal/cache"
	"github.com/aegisd/aegis/internal/config"
	"github.com/aegisd/aegis/internal/logger"
	"github.com/aegisd/aegis/internal/models"
)

var (
	ErrInvalidWhitelistIP       = errors.New("invalid IP address or CIDR")
	ErrInvalidWhitelistCategory = errors.New("invalid whitelist category")
	ErrWhitelistEntryExists     = errors.New("whitelist entry already exists")
)

var validWhitelistCategories = map[models.WhitelistCategory]struct{}{
	models.WhitelistCategoryPaymentGateway:  {},
	models.WhitelistCategoryWebhookProvider: {},
	models.WhitelistCategoryInternal:        {},
	models.WhitelistCategoryMonitoring:      {},
	models.WhitelistCategoryAdmin:           {},
}

// whitelistGenKey versions the per-IP verdict cache. Every mutation bumps
// the generation, which orphans all cached verdicts at once; that is the
// only way a new CIDR entry can take effect for addresses whose verdicts
// were cached individually. Orphaned keys age out on their own TTL.
const whitelistGenKey = "whitelist:gen"

// whitelistGenWindow bounds the generation counter's lifetime. It only needs
// to outlive the verdict TTL by a wide margin.
const whitelistGenWindow = 7 * 24 * time.Hour

func (s *WhitelistService) verdictKey(ctx context.Context, ip string) string {
	gen, err := s.cache.GetInt64(ctx, whitelistGenKey)
	if err != nil {
		gen = 0
	}
	return fmt.Sprintf("whitelist:%d:%s", gen, ip)
}

// WhitelistService maintains the allow-list of IPs and ranges that can
// never be blocked.
type WhitelistService struct {
	db    *gorm.DB
	cache *cache.Tiered
	cfg   config.Blocking
}

// NewWhitelistService wires the whitelist to its store and cache.
func NewWhitelistService(db *gorm.DB, store *cache.Tiered, cfg config.Blocking) *WhitelistService {
	return &WhitelistService{db: db, cache: store, cfg: cfg}
}

// IsWhitelisted reports whether the IP matches any active entry, either
// exactly or inside a CIDR range. Verdicts are cached per IP.
func (s *WhitelistService) IsWhitelisted(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}

	key := s.verdictKey(ctx, ip)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		return raw == "1", nil
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false, fmt.Errorf("%w: %s", ErrInvalidWhitelistIP, ip)
	}

	var entries []models.WhitelistEntry
	if err := s.db.Where("is_active = ?", true).Find(&entries).Error; err != nil {
		return false, fmt.Errorf("load whitelist: %w", err)
	}

	whitelisted := false
	for _, entry := range entries {
		if ipMatchesRule(parsed, entry.IP) {
			whitelisted = true
			break
		}
	}

	verdict := "0"
	if whitelisted {
		verdict = "1"
	}
	ttl := time.Duration(s.cfg.CacheTTLSeconds) * time.Second
	if err := s.cache.Set(ctx, key, verdict, ttl); err != nil {
		logger.WithFields(map[string]interface{}{"ip": ip}).WithError(err).Warn("whitelist cache write failed")
	}

	return whitelisted, nil
}

// Add creates a whitelist entry and invalidates any cached block status for
// that IP, so whitelisting takes effect on the very next check even though
// a historical block row is kept for audit.
func (s *WhitelistService) Add(ctx context.Context, entry *models.WhitelistEntry) error {
	if !isValidIPOrCIDR(entry.IP) {
		return fmt.Errorf("%w: %s", ErrInvalidWhitelistIP, entry.IP)
	}
	if _, ok := validWhitelistCategories[entry.Category]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidWhitelistCategory, entry.Category)
	}

	var count int64
	if err := s.db.Model(&models.WhitelistEntry{}).
		Where("ip = ? AND is_active = ?", entry.IP, true).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrWhitelistEntryExists
	}

	entry.IsActive = true
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("create whitelist entry: %w", err)
	}

	s.invalidate(ctx, entry.IP)
	return nil
}

// Remove deactivates the entry for an IP. Returns false when no active
// entry exists.
func (s *WhitelistService) Remove(ctx context.Context, ip, adminID string) (bool, error) {
	result := s.db.Model(&models.WhitelistEntry{}).
		Where("ip = ? AND is_active = ?", ip, true).
		Update("is_active", false)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	logger.WithFields(map[string]interface{}{"ip": ip, "admin": adminID}).Info("whitelist entry removed")
	s.invalidate(ctx, ip)
	return true, nil
}

// List returns all whitelist entries, active first, newest first.
func (s *WhitelistService) List() ([]models.WhitelistEntry, error) {
	var entries []models.WhitelistEntry
	if err := s.db.Order("is_active desc, created_at desc").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// invalidate bumps the verdict-cache generation (orphaning every cached
// verdict, including those for addresses inside a mutated CIDR range) and
// drops the cached block status for the literal IP so whitelisting takes
// effect on the very next check. Block-status blobs cached for other
// addresses inside a new CIDR range cannot be enumerated; they age out
// within the clamped block-cache TTL, and the full isBlocked path honors
// the whitelist immediately regardless.
func (s *WhitelistService) invalidate(ctx context.Context, ip string) {
	if _, err := s.cache.Increment(ctx, whitelistGenKey, whitelistGenWindow); err != nil {
		logger.Log().WithError(err).Warn("whitelist generation bump failed")
	}
	if err := s.cache.Delete(ctx, BlockCacheKey(ip)); err != nil {
		logger.WithFields(map[string]interface{}{"ip": ip}).WithError(err).Warn("block cache invalidation failed")
	}
}

// isValidIPOrCIDR accepts a single IP or CIDR notation.
func isValidIPOrCIDR(value string) bool {
	if ip := net.ParseIP(value); ip != nil {
		return true
	}
	_, _, err := net.ParseCIDR(value)
	return err == nil
}

// ipMatchesRule checks an IP against a single-IP or CIDR rule.
func ipMatchesRule(ip net.IP, rule string) bool {
	if single := net.ParseIP(rule); single != nil {
		return ip.Equal(single)
	}
	_, ipNet, err := net.ParseCIDR(rule)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}
