package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aegisd/aegis/internal/cache"
	"github.com/aegisd/aegis/internal/config"
	"github.com/aegisd/aegis/internal/models"
)

func blockingTestConfig() config.Blocking {
	return config.Blocking{
		CoolingPeriodDays:  30,
		CacheTTLSeconds:    300,
		CacheTTLMinSeconds: 60,
	}
}

func setupBlockerTest(t *testing.T) (*BlockerService, *WhitelistService, *cache.Tiered, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	assert.NoError(t, err)

	err = db.AutoMigrate(&models.BlockedIP{}, &models.OffenseHistory{}, &models.WhitelistEntry{})
	assert.NoError(t, err)

	store := cache.NewTiered(nil, cache.NewMemory())
	whitelist := NewWhitelistService(db, store, blockingTestConfig())
	blocker := NewBlockerService(db, store, whitelist, blockingTestConfig())
	return blocker, whitelist, store, db
}

func rateLimitRequest(ip string) BlockRequest {
	return BlockRequest{
		IP:           ip,
		IncidentType: models.IncidentTypeRateLimitExceeded,
		Severity:     models.SeverityMedium,
		Reason:       "rate limit exceeded",
	}
}

func TestBlockIP_BackoffLadder(t *testing.T) {
	blocker, _, _, db := setupBlockerTest(t)
	ctx := context.Background()

	wantMinutes := []int{15, 60, 360, 1440, 10080, 10080}
	for i, want := range wantMinutes {
		result, err := blocker.BlockIP(ctx, rateLimitRequest("203.0.113.7"))
		assert.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, models.BlockTypeTemporary, result.BlockType)
		assert.Equal(t, want, result.DurationMinutes, "offense %d", i+1)
		assert.Equal(t, i+1, result.OffenseCount)
	}

	// Repeated offenses extend one row, never stack a second active one.
	var active int64
	db.Model(&models.BlockedIP{}).Where("ip = ? AND is_active = ?", "203.0.113.7", true).Count(&active)
	assert.EqualValues(t, 1, active)

	var offenses int64
	db.Model(&models.OffenseHistory{}).Where("ip = ?", "203.0.113.7").Count(&offenses)
	assert.EqualValues(t, 6, offenses)
}

func TestBlockIP_OffensesOutsideCoolingPeriodDoNotCount(t *testing.T) {
	blocker, _, _, db := setupBlockerTest(t)

	stale := models.OffenseHistory{
		IP:           "203.0.113.8",
		IncidentType: models.IncidentTypeRateLimitExceeded,
		CreatedAt:    time.Now().AddDate(0, 0, -31),
	}
	assert.NoError(t, db.Create(&stale).Error)

	result, err := blocker.BlockIP(context.Background(), rateLimitRequest("203.0.113.8"))
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.OffenseCount)
	assert.Equal(t, 15, result.DurationMinutes)
}

func TestBlockIP_SignatureFailureIsPermanent(t *testing.T) {
	blocker, _, _, db := setupBlockerTest(t)

	result, err := blocker.BlockIP(context.Background(), BlockRequest{
		IP:           "203.0.113.9",
		IncidentType: models.IncidentTypePaymentSignatureInvalid,
		Severity:     models.SeverityCritical,
		Reason:       "forged payment signature",
	})
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, models.BlockTypePermanent, result.BlockType)
	assert.Equal(t, 0, result.DurationMinutes)

	var entry models.BlockedIP
	assert.NoError(t, db.Where("ip = ?", "203.0.113.9").First(&entry).Error)
	assert.Nil(t, entry.BlockedUntil)
}

func TestBlockIP_PermanentBlockIsNeverDowngraded(t *testing.T) {
	blocker, _, _, db := setupBlockerTest(t)
	ctx := context.Background()

	result, err := blocker.BlockIP(ctx, BlockRequest{
		IP:           "203.0.113.30",
		IncidentType: models.IncidentTypePaymentSignatureInvalid,
		Severity:     models.SeverityCritical,
		Reason:       "forged payment signature",
	})
	assert.NoError(t, err)
	assert.Equal(t, models.BlockTypePermanent, result.BlockType)

	// A later rate-limit offense must not soften the block to temporary.
	result, err = blocker.BlockIP(ctx, rateLimitRequest("203.0.113.30"))
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, models.BlockTypePermanent, result.BlockType)
	assert.Equal(t, 0, result.DurationMinutes)
	assert.Equal(t, 2, result.OffenseCount)

	var entry models.BlockedIP
	assert.NoError(t, db.Where("ip = ? AND is_active = ?", "203.0.113.30", true).First(&entry).Error)
	assert.Equal(t, models.BlockTypePermanent, entry.BlockType)
	assert.Nil(t, entry.BlockedUntil)
	assert.Equal(t, "forged payment signature", entry.Reason)
	assert.Equal(t, 2, entry.OffenseCount)

	status, err := blocker.IsBlocked(ctx, "203.0.113.30")
	assert.NoError(t, err)
	assert.True(t, status.IsBlocked)
	assert.Equal(t, models.BlockTypePermanent, status.BlockType)
}

func TestBlockIP_TemporaryEscalatesToPermanent(t *testing.T) {
	blocker, _, _, db := setupBlockerTest(t)
	ctx := context.Background()

	_, err := blocker.BlockIP(ctx, rateLimitRequest("203.0.113.31"))
	assert.NoError(t, err)

	result, err := blocker.BlockIP(ctx, BlockRequest{
		IP:           "203.0.113.31",
		IncidentType: models.IncidentTypeWebhookSignatureInvalid,
		Severity:     models.SeverityCritical,
	})
	assert.NoError(t, err)
	assert.Equal(t, models.BlockTypePermanent, result.BlockType)

	var entry models.BlockedIP
	assert.NoError(t, db.Where("ip = ? AND is_active = ?", "203.0.113.31", true).First(&entry).Error)
	assert.Equal(t, models.BlockTypePermanent, entry.BlockType)
	assert.Nil(t, entry.BlockedUntil)
}

func TestBlockedIP_SchemaRejectsSecondActiveRow(t *testing.T) {
	blocker, _, _, db := setupBlockerTest(t)
	ctx := context.Background()

	_, err := blocker.BlockIP(ctx, rateLimitRequest("203.0.113.32"))
	assert.NoError(t, err)

	// A concurrent insert racing past the read-then-create path lands here;
	// the partial unique index must reject it.
	dup := models.BlockedIP{
		UUID:      "dup-active",
		IP:        "203.0.113.32",
		BlockType: models.BlockTypeTemporary,
		BlockedAt: time.Now(),
		IsActive:  true,
	}
	assert.Error(t, db.Create(&dup).Error)

	// Inactive duplicates are history rows and stay allowed.
	inactive := models.BlockedIP{
		UUID:      "dup-inactive",
		IP:        "203.0.113.32",
		BlockType: models.BlockTypeTemporary,
		BlockedAt: time.Now(),
		IsActive:  false,
	}
	assert.NoError(t, db.Create(&inactive).Error)
}

func TestBlockIP_CriticalSeverityForcesPermanent(t *testing.T) {
	blocker, _, _, _ := setupBlockerTest(t)

	result, err := blocker.BlockIP(context.Background(), BlockRequest{
		IP:           "203.0.113.10",
		IncidentType: models.IncidentTypeRateLimitExceeded,
		Severity:     models.SeverityCritical,
	})
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, models.BlockTypePermanent, result.BlockType)
}

func TestBlockIP_IneligibleIncidentTypeIsRejected(t *testing.T) {
	blocker, _, _, db := setupBlockerTest(t)

	result, err := blocker.BlockIP(context.Background(), BlockRequest{
		IP:           "203.0.113.11",
		IncidentType: models.IncidentTypeBackupFailure,
		Severity:     models.SeverityMedium,
	})
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	var count int64
	db.Model(&models.BlockedIP{}).Count(&count)
	assert.EqualValues(t, 0, count)
}

func TestBlockIP_WhitelistedIPIsNeverBlocked(t *testing.T) {
	blocker, whitelist, _, db := setupBlockerTest(t)
	ctx := context.Background()

	err := whitelist.Add(ctx, &models.WhitelistEntry{
		IP:       "198.51.100.4",
		Label:    "payment gateway",
		Category: models.WhitelistCategoryPaymentGateway,
	})
	assert.NoError(t, err)

	result, err := blocker.BlockIP(ctx, BlockRequest{
		IP:           "198.51.100.4",
		IncidentType: models.IncidentTypePaymentSignatureInvalid,
		Severity:     models.SeverityCritical,
	})
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "ip is whitelisted", result.Error)

	var count int64
	db.Model(&models.BlockedIP{}).Count(&count)
	assert.EqualValues(t, 0, count)
}

func TestIsBlocked_RoundTripAndCache(t *testing.T) {
	blocker, _, store, _ := setupBlockerTest(t)
	ctx := context.Background()

	status, err := blocker.IsBlocked(ctx, "203.0.113.12")
	assert.NoError(t, err)
	assert.False(t, status.IsBlocked)

	// The negative answer is cached too.
	raw, err := store.Get(ctx, BlockCacheKey("203.0.113.12"))
	assert.NoError(t, err)
	assert.Contains(t, raw, `"is_blocked":false`)

	_, err = blocker.BlockIP(ctx, rateLimitRequest("203.0.113.12"))
	assert.NoError(t, err)

	status, err = blocker.IsBlocked(ctx, "203.0.113.12")
	assert.NoError(t, err)
	assert.True(t, status.IsBlocked)
	assert.Equal(t, models.BlockTypeTemporary, status.BlockType)
	assert.Equal(t, 1, status.OffenseCount)
	assert.NotNil(t, status.BlockedUntil)
}

func TestIsBlocked_WhitelistingTakesEffectImmediately(t *testing.T) {
	blocker, whitelist, _, _ := setupBlockerTest(t)
	ctx := context.Background()

	_, err := blocker.BlockIP(ctx, rateLimitRequest("203.0.113.13"))
	assert.NoError(t, err)

	status, err := blocker.IsBlocked(ctx, "203.0.113.13")
	assert.NoError(t, err)
	assert.True(t, status.IsBlocked)

	err = whitelist.Add(ctx, &models.WhitelistEntry{
		IP:       "203.0.113.13",
		Label:    "ops bastion",
		Category: models.WhitelistCategoryAdmin,
	})
	assert.NoError(t, err)

	status, err = blocker.IsBlocked(ctx, "203.0.113.13")
	assert.NoError(t, err)
	assert.False(t, status.IsBlocked)
}

func TestIsBlocked_ExpiredTemporaryBlockIsLazilyDeactivated(t *testing.T) {
	blocker, _, store, db := setupBlockerTest(t)
	ctx := context.Background()

	_, err := blocker.BlockIP(ctx, rateLimitRequest("203.0.113.14"))
	assert.NoError(t, err)

	// Rewind the expiry and drop the cached status so the read hits the store.
	past := time.Now().Add(-time.Minute)
	err = db.Model(&models.BlockedIP{}).
		Where("ip = ?", "203.0.113.14").
		Update("blocked_until", past).Error
	assert.NoError(t, err)
	assert.NoError(t, store.Delete(ctx, BlockCacheKey("203.0.113.14")))

	status, err := blocker.IsBlocked(ctx, "203.0.113.14")
	assert.NoError(t, err)
	assert.False(t, status.IsBlocked)

	var entry models.BlockedIP
	assert.NoError(t, db.Where("ip = ?", "203.0.113.14").First(&entry).Error)
	assert.False(t, entry.IsActive)
	assert.Equal(t, "system:expired", entry.UnblockedBy)
	assert.NotNil(t, entry.UnblockedAt)
}

func TestIsBlocked_MalformedCacheEntryFallsThrough(t *testing.T) {
	blocker, _, store, _ := setupBlockerTest(t)
	ctx := context.Background()

	_, err := blocker.BlockIP(ctx, rateLimitRequest("203.0.113.15"))
	assert.NoError(t, err)
	assert.NoError(t, store.Set(ctx, BlockCacheKey("203.0.113.15"), "{not json", time.Minute))

	status, err := blocker.IsBlocked(ctx, "203.0.113.15")
	assert.NoError(t, err)
	assert.True(t, status.IsBlocked)
}

func TestUnblockIP(t *testing.T) {
	blocker, _, _, db := setupBlockerTest(t)
	ctx := context.Background()

	_, err := blocker.BlockIP(ctx, rateLimitRequest("203.0.113.16"))
	assert.NoError(t, err)

	ok, err := blocker.UnblockIP(ctx, "203.0.113.16", "admin-1")
	assert.NoError(t, err)
	assert.True(t, ok)

	status, err := blocker.IsBlocked(ctx, "203.0.113.16")
	assert.NoError(t, err)
	assert.False(t, status.IsBlocked)

	// The row survives deactivation for audit.
	var entry models.BlockedIP
	assert.NoError(t, db.Where("ip = ?", "203.0.113.16").First(&entry).Error)
	assert.False(t, entry.IsActive)
	assert.Equal(t, "admin-1", entry.UnblockedBy)

	// Unblocking again reports that nothing was active.
	ok, err = blocker.UnblockIP(ctx, "203.0.113.16", "admin-1")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestAdminBlockIP(t *testing.T) {
	blocker, _, _, db := setupBlockerTest(t)
	ctx := context.Background()

	_, err := blocker.AdminBlockIP(ctx, "203.0.113.17", "forever", "", "admin-1", 0)
	assert.ErrorIs(t, err, ErrInvalidBlockType)

	result, err := blocker.AdminBlockIP(ctx, "203.0.113.17", models.BlockTypeTemporary, "manual review", "admin-1", 0)
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 15, result.DurationMinutes)

	var entry models.BlockedIP
	assert.NoError(t, db.Where("ip = ?", "203.0.113.17").First(&entry).Error)
	assert.Equal(t, "admin-1", entry.BlockedBy)
	assert.Equal(t, "manual review", entry.Reason)

	// Manual blocks are not offenses.
	var offenses int64
	db.Model(&models.OffenseHistory{}).Where("ip = ?", "203.0.113.17").Count(&offenses)
	assert.EqualValues(t, 0, offenses)

	status, err := blocker.IsBlocked(ctx, "203.0.113.17")
	assert.NoError(t, err)
	assert.True(t, status.IsBlocked)
}

func TestAdminBlockIP_HonorsWhitelist(t *testing.T) {
	blocker, whitelist, _, _ := setupBlockerTest(t)
	ctx := context.Background()

	err := whitelist.Add(ctx, &models.WhitelistEntry{
		IP:       "198.51.100.8",
		Label:    "uptime probe",
		Category: models.WhitelistCategoryMonitoring,
	})
	assert.NoError(t, err)

	result, err := blocker.AdminBlockIP(ctx, "198.51.100.8", models.BlockTypePermanent, "manual", "admin-1", 0)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "ip is whitelisted", result.Error)
}

func TestDeactivateExpired(t *testing.T) {
	blocker, _, _, db := setupBlockerTest(t)
	ctx := context.Background()

	_, err := blocker.BlockIP(ctx, rateLimitRequest("203.0.113.18"))
	assert.NoError(t, err)
	_, err = blocker.BlockIP(ctx, BlockRequest{
		IP:           "203.0.113.19",
		IncidentType: models.IncidentTypePaymentSignatureInvalid,
		Severity:     models.SeverityCritical,
	})
	assert.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	err = db.Model(&models.BlockedIP{}).
		Where("ip = ?", "203.0.113.18").
		Update("blocked_until", past).Error
	assert.NoError(t, err)

	n, err := blocker.DeactivateExpired(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	var temp, perm models.BlockedIP
	assert.NoError(t, db.Where("ip = ?", "203.0.113.18").First(&temp).Error)
	assert.False(t, temp.IsActive)
	// Permanent blocks are untouched by the sweep.
	assert.NoError(t, db.Where("ip = ?", "203.0.113.19").First(&perm).Error)
	assert.True(t, perm.IsActive)
}

func TestListBlockedAndOffenses(t *testing.T) {
	blocker, _, _, _ := setupBlockerTest(t)
	ctx := context.Background()

	_, err := blocker.BlockIP(ctx, rateLimitRequest("203.0.113.20"))
	assert.NoError(t, err)
	_, err = blocker.BlockIP(ctx, rateLimitRequest("203.0.113.21"))
	assert.NoError(t, err)
	ok, err := blocker.UnblockIP(ctx, "203.0.113.21", "admin-1")
	assert.NoError(t, err)
	assert.True(t, ok)

	active, total, err := blocker.ListBlocked(true, 1, 50)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, active, 1)
	assert.Equal(t, "203.0.113.20", active[0].IP)

	all, total, err := blocker.ListBlocked(false, 1, 50)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, all, 2)

	offenses, total, err := blocker.ListOffenses("203.0.113.20", 1, 50)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, offenses, 1)
	assert.Equal(t, models.IncidentTypeRateLimitExceeded, offenses[0].IncidentType)
}
