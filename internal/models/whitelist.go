package models

import (
	"time"
)

// WhitelistCategory describes why an IP or range is exempt from blocking.
type WhitelistCategory string

const (
	WhitelistCategoryPaymentGateway  WhitelistCategory = "payment_gateway"
	WhitelistCategoryWebhookProvider WhitelistCategory = "webhook_provider"
	WhitelistCategoryInternal        WhitelistCategory = "internal"
	WhitelistCategoryMonitoring      WhitelistCategory = "monitoring"
	WhitelistCategoryAdmin           WhitelistCategory = "admin"
)

// WhitelistEntry is an IP or CIDR range that can never be blocked.
type WhitelistEntry struct {
	ID        uint              `json:"id" gorm:"primaryKey"`
	IP        string            `json:"ip" gorm:"index"` // single IP or CIDR notation
	Label     string            `json:"label"`
	Category  WhitelistCategory `json:"category"`
	AddedBy   string            `json:"added_by"`
	Notes     string            `json:"notes"`
	IsActive  bool              `json:"is_active" gorm:"index"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
