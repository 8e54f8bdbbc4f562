// Package domain models the aggregates owned by onboarding and moderation
// flows that the expiry sweep writes during a cascade.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PrincipalStatus string

const (
	PrincipalStatusActive   PrincipalStatus = "ACTIVE"
	PrincipalStatusInactive PrincipalStatus = "INACTIVE"
	PrincipalStatusBanned   PrincipalStatus = "BANNED"
)

type StorefrontStatus string

const (
	StorefrontStatusActive   StorefrontStatus = "ACTIVE"
	StorefrontStatusInactive StorefrontStatus = "INACTIVE"
)

// Principal is the seller account that owns grants.
type Principal struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	Name               string            `gorm:"type:text;not null"`
	Status             PrincipalStatus   `gorm:"type:text;not null"`
	EntitlementSummary datatypes.JSONMap `gorm:""`
	CreatedAt          time.Time         `gorm:"not null"`
	UpdatedAt          time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Principal) TableName() string { return "principals" }

type Storefront struct {
	ID          snowflake.ID     `gorm:"primaryKey"`
	PrincipalID snowflake.ID     `gorm:"not null;index"`
	Name        string           `gorm:"type:text;not null"`
	Status      StorefrontStatus `gorm:"type:text;not null"`
	CreatedAt   time.Time        `gorm:"not null"`
	UpdatedAt   time.Time        `gorm:"not null"`
}

// TableName sets the database table name.
func (Storefront) TableName() string { return "storefronts" }

// InventoryItem is live until archived. Only live premium items count
// against the concurrent premium cap.
type InventoryItem struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	PrincipalID  snowflake.ID `gorm:"not null;index"`
	StorefrontID snowflake.ID `gorm:"not null;index"`
	Title        string       `gorm:"type:text;not null"`
	IsPremium    bool         `gorm:"not null"`
	ArchivedAt   *time.Time   `gorm:""`
	CreatedAt    time.Time    `gorm:"not null"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (InventoryItem) TableName() string { return "inventory_items" }
