package models

import (
	"context"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"github.com/shopspring/decimal"
)

// Client is the owning tenant for every payment resource. ClientId is the
// external identifier threaded through contexts and WHERE clauses.
type Client struct {
	ID       int    `gorm:"primary_key" json:"id"`
	ClientId string `gorm:"size:64;not null;unique" json:"client_id"`
	Name     string `gorm:"size:100;not null" json:"name" binding:"required"`
	Country  string `gorm:"size:2" json:"country"`

	// Files at or above this total need two independent approvals.
	// Zero means "use the platform default".
	DualApprovalThreshold decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"dual_approval_threshold"`

	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DualApprovalThresholdFor returns the client's configured threshold,
// falling back to the platform default when unset.
func DualApprovalThresholdFor(ctx context.Context, clientId string) (decimal.Decimal, error) {
	db := config.GetDB()
	var client Client
	err := db.WithContext(ctx).Where("client_id = ?", clientId).First(&client).Error
	if err != nil {
		return decimal.Zero, err
	}
	if client.DualApprovalThreshold.IsPositive() {
		return client.DualApprovalThreshold, nil
	}
	return config.DefaultDualApprovalThreshold(), nil
}
