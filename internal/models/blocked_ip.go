package models

import (
	"time"
)

// BlockType distinguishes time-limited blocks from permanent ones.
type BlockType string

const (
	BlockTypeTemporary BlockType = "temporary"
	BlockTypePermanent BlockType = "permanent"
)

// BlockedIP is the current or historical block state for one IP. At most one
// row per IP may be active at a time; repeated temporary offenses extend the
// active row in place instead of inserting a second one. The partial unique
// index enforces that invariant in the schema, so a concurrent insert race
// cannot produce two active rows.
type BlockedIP struct {
	ID           uint         `json:"id" gorm:"primaryKey"`
	UUID         string       `json:"uuid" gorm:"uniqueIndex"`
	IP           string       `json:"ip" gorm:"index:idx_blocked_ips_ip_active;index:idx_blocked_ips_one_active,unique,where:is_active = 1"`
	BlockType    BlockType    `json:"block_type"`
	Reason       string       `json:"reason"`
	OffenseCount int          `json:"offense_count"`
	IncidentType IncidentType `json:"incident_type"`
	IncidentID   *uint        `json:"incident_id"`
	BlockedAt    time.Time    `json:"blocked_at"`
	BlockedUntil *time.Time   `json:"blocked_until"` // nil for permanent blocks
	BlockedBy    string       `json:"blocked_by"`    // admin id, empty for automated blocks
	UnblockedAt  *time.Time   `json:"unblocked_at"`
	UnblockedBy  string       `json:"unblocked_by"`
	IsActive     bool         `json:"is_active" gorm:"index:idx_blocked_ips_ip_active"`
}

// OffenseHistory is one append-only row per offense that counted toward a
// block decision. The blocker recomputes the rolling offense count from
// these rows inside the cooling period; nothing else reads them except the
// admin listing.
type OffenseHistory struct {
	ID           uint         `json:"id" gorm:"primaryKey"`
	IP           string       `json:"ip" gorm:"index"`
	IncidentType IncidentType `json:"incident_type"`
	IncidentID   *uint        `json:"incident_id"`
	Severity     Severity     `json:"severity"`
	Endpoint     string       `json:"endpoint"`
	Details      string       `json:"details" gorm:"type:text"`
	CreatedAt    time.Time    `json:"created_at" gorm:"index"`
}
