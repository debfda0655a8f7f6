package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ApprovalLimit is one row of the tiered authorization table. Exactly one of
// RoleId / UserId is set: role rows define the (role, currency) -> limit
// tiers, user rows are per-user overrides that win over any role tier.
type ApprovalLimit struct {
	ID       int             `gorm:"primary_key" json:"id"`
	ClientId string          `gorm:"size:64;not null;index" json:"client_id"`
	RoleId   *int            `gorm:"index" json:"role_id"`
	UserId   *int            `gorm:"index" json:"user_id"`
	Currency string          `gorm:"size:3;not null;index" json:"currency" binding:"required,len=3"`
	Limit    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"limit" binding:"required"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ResolveApprovalLimit computes a user's effective limit for a currency:
// a user-specific override if present, otherwise the max over the user's
// roles. The second return is false when no limit row applies at all,
// which callers must treat as "cannot approve anything".
func ResolveApprovalLimit(ctx context.Context, clientId string, userId int, currency string) (decimal.Decimal, bool, error) {
	db := config.GetDB()

	var override ApprovalLimit
	err := db.WithContext(ctx).
		Where("client_id = ? AND user_id = ? AND currency = ?", clientId, userId, currency).
		First(&override).Error
	if err == nil {
		return override.Limit, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, false, err
	}

	var roleLimits []ApprovalLimit
	err = db.WithContext(ctx).
		Where("client_id = ? AND currency = ? AND role_id IN (?)",
			clientId, currency,
			db.Table("user_roles").Select("role_id").Where("user_id = ?", userId)).
		Find(&roleLimits).Error
	if err != nil {
		return decimal.Zero, false, err
	}
	if len(roleLimits) == 0 {
		return decimal.Zero, false, nil
	}

	max := roleLimits[0].Limit
	for _, rl := range roleLimits[1:] {
		if rl.Limit.GreaterThan(max) {
			max = rl.Limit
		}
	}
	return max, true, nil
}
