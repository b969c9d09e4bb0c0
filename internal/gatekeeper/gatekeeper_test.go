package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aegisd/aegis/internal/cache"
	"github.com/aegisd/aegis/internal/models"
	"github.com/aegisd/aegis/internal/services"
)

type erroringReader struct{}

func (erroringReader) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func cacheStatus(t *testing.T, store *cache.Memory, ip string, status services.BlockStatus) {
	raw, err := json.Marshal(status)
	assert.NoError(t, err)
	assert.NoError(t, store.Set(context.Background(), services.BlockCacheKey(ip), string(raw), time.Minute))
}

func TestFastCheck_MissAnswersNotBlocked(t *testing.T) {
	store := cache.NewMemory()

	status := FastCheck(context.Background(), store, "203.0.113.7")
	assert.False(t, status.Blocked)
}

func TestFastCheck_BlockedEntry(t *testing.T) {
	store := cache.NewMemory()
	cacheStatus(t, store, "203.0.113.7", services.BlockStatus{
		IsBlocked: true,
		BlockType: models.BlockTypePermanent,
		Reason:    "forged payment signature",
	})

	status := FastCheck(context.Background(), store, "203.0.113.7")
	assert.True(t, status.Blocked)
	assert.Equal(t, "forged payment signature", status.Reason)
}

func TestFastCheck_NegativeEntry(t *testing.T) {
	store := cache.NewMemory()
	cacheStatus(t, store, "203.0.113.7", services.BlockStatus{IsBlocked: false})

	status := FastCheck(context.Background(), store, "203.0.113.7")
	assert.False(t, status.Blocked)
}

func TestFastCheck_ExpiredTemporaryBlockAnswersNotBlocked(t *testing.T) {
	store := cache.NewMemory()
	past := time.Now().Add(-time.Minute)
	cacheStatus(t, store, "203.0.113.7", services.BlockStatus{
		IsBlocked:    true,
		BlockType:    models.BlockTypeTemporary,
		BlockedUntil: &past,
	})

	status := FastCheck(context.Background(), store, "203.0.113.7")
	assert.False(t, status.Blocked)
}

func TestFastCheck_FailsOpenOnCacheError(t *testing.T) {
	status := FastCheck(context.Background(), erroringReader{}, "203.0.113.7")
	assert.False(t, status.Blocked)
}

func TestFastCheck_FailsOpenOnMalformedEntry(t *testing.T) {
	store := cache.NewMemory()
	err := store.Set(context.Background(), services.BlockCacheKey("203.0.113.7"), "{not json", time.Minute)
	assert.NoError(t, err)

	status := FastCheck(context.Background(), store, "203.0.113.7")
	assert.False(t, status.Blocked)
}
