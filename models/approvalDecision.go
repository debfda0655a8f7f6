package models

import (
	"context"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"github.com/shopspring/decimal"
)

// ApprovalDecision is the audit record of one approval attempt. The
// resulting file-status change belongs to the lifecycle, but every decision
// is kept here regardless of outcome.
type ApprovalDecision struct {
	ID       int             `gorm:"primary_key" json:"id"`
	ClientId string          `gorm:"size:64;not null;index" json:"client_id"`
	FileId   int             `gorm:"not null;index" json:"file_id"`
	UserId   int             `gorm:"not null;index" json:"user_id"`
	Outcome  ApprovalOutcome `gorm:"size:20;not null" json:"outcome"`
	Reason   *DenialReason   `gorm:"size:30" json:"reason"`

	// TierLimit is the effective authorization limit applied to the decision.
	TierLimit decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"tier_limit"`

	DecidedAt time.Time `gorm:"autoCreateTime;index" json:"decided_at"`
}

// CountFileApprovers counts distinct users whose approval of the file
// succeeded (approved or partially_approved outcomes).
func CountFileApprovers(ctx context.Context, clientId string, fileId int) (int64, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&ApprovalDecision{}).
		Where("client_id = ? AND file_id = ? AND outcome IN (?)",
			clientId, fileId,
			[]ApprovalOutcome{ApprovalOutcomeApproved, ApprovalOutcomePartiallyApproved}).
		Distinct("user_id").
		Count(&count).Error
	return count, err
}

// HasUserApproved reports whether this user already has a successful
// approval recorded for the file (dual approval requires independence).
func HasUserApproved(ctx context.Context, clientId string, fileId, userId int) (bool, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&ApprovalDecision{}).
		Where("client_id = ? AND file_id = ? AND user_id = ? AND outcome IN (?)",
			clientId, fileId, userId,
			[]ApprovalOutcome{ApprovalOutcomeApproved, ApprovalOutcomePartiallyApproved}).
		Count(&count).Error
	return count > 0, err
}
