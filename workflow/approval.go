package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ApprovalContext is everything EvaluateApproval needs, loaded up front so
// the decision itself is a pure function.
type ApprovalContext struct {
	FileClientId     string
	ApproverClientId string
	FileStatus       models.FileStatus
	HasRowErrors     bool
	CreatorId        int
	ApproverId       int
	TotalAmount      decimal.Decimal
	ApproverLimit    decimal.Decimal
	LimitFound       bool
	DualThreshold    decimal.Decimal
	AlreadyApproved  bool
}

// EvaluateApproval applies the maker-checker and tiered-limit rules in
// order. Guards run strictest-first; the first failing guard names the
// denial reason.
func EvaluateApproval(a ApprovalContext) (models.ApprovalOutcome, *models.DenialReason) {
	deny := func(reason models.DenialReason) (models.ApprovalOutcome, *models.DenialReason) {
		return models.ApprovalOutcomeDenied, &reason
	}

	if a.FileClientId == "" || a.FileClientId != a.ApproverClientId {
		return deny(models.DenialReasonWrongTenant)
	}
	if a.FileStatus != models.FileStatusAwaitingApproval && a.FileStatus != models.FileStatusPartiallyApproved {
		return deny(models.DenialReasonWrongState)
	}
	if a.HasRowErrors {
		return deny(models.DenialReasonValidationErrors)
	}
	if a.ApproverId == a.CreatorId {
		return deny(models.DenialReasonSelfApproval)
	}
	if !a.LimitFound || a.TotalAmount.GreaterThan(a.ApproverLimit) {
		return deny(models.DenialReasonLimitExceeded)
	}
	if a.AlreadyApproved {
		return deny(models.DenialReasonRepeatApprover)
	}

	needsDual := a.TotalAmount.GreaterThanOrEqual(a.DualThreshold)
	if needsDual && a.FileStatus == models.FileStatusAwaitingApproval {
		return models.ApprovalOutcomePartiallyApproved, nil
	}
	return models.ApprovalOutcomeApproved, nil
}

// ApproveFile runs one approval attempt end to end: guard evaluation, the
// audit record, and — on final approval — the reservation plus status write
// in a single transaction. An InsufficientFunds reservation failure rolls
// everything back and leaves the file awaiting approval.
func ApproveFile(ctx context.Context, clientId string, userId int, fileId int) (models.ApprovalOutcome, *models.DenialReason, error) {
	db := config.GetDB()

	var outcome models.ApprovalOutcome
	var reason *models.DenialReason

	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file models.MassPaymentFile
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("client_id = ?", clientId).
			First(&file, fileId).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome = models.ApprovalOutcomeDenied
				r := models.DenialReasonWrongTenant
				reason = &r
				return nil
			}
			return err
		}

		approver, err := models.FetchUserWithRoles(ctx, clientId, userId)
		if err != nil {
			return err
		}

		limit, limitFound, err := models.ResolveApprovalLimit(ctx, clientId, userId, file.Currency)
		if err != nil {
			return err
		}
		threshold, err := models.DualApprovalThresholdFor(ctx, clientId)
		if err != nil {
			return err
		}
		alreadyApproved, err := models.HasUserApproved(ctx, clientId, fileId, userId)
		if err != nil {
			return err
		}

		outcome, reason = EvaluateApproval(ApprovalContext{
			FileClientId:     file.ClientId,
			ApproverClientId: approver.ClientId,
			FileStatus:       file.Status,
			HasRowErrors:     file.HasValidationErrors(),
			CreatorId:        file.CreatedBy,
			ApproverId:       userId,
			TotalAmount:      file.TotalAmount,
			ApproverLimit:    limit,
			LimitFound:       limitFound,
			DualThreshold:    threshold,
			AlreadyApproved:  alreadyApproved,
		})

		decision := models.ApprovalDecision{
			ClientId:  clientId,
			FileId:    fileId,
			UserId:    userId,
			Outcome:   outcome,
			Reason:    reason,
			TierLimit: limit,
		}

		if outcome == models.ApprovalOutcomeDenied {
			return tx.Create(&decision).Error
		}

		now := time.Now().UTC()
		if outcome == models.ApprovalOutcomePartiallyApproved {
			err = ApplyFileTransition(ctx, tx, &file, EventFirstApproval, map[string]interface{}{
				"approved_by": userId,
				"approved_at": &now,
			})
		} else {
			extras := map[string]interface{}{}
			if file.Status == models.FileStatusPartiallyApproved {
				extras["second_approved_by"] = userId
				extras["second_approved_at"] = &now
			} else {
				extras["approved_by"] = userId
				extras["approved_at"] = &now
			}
			err = ApplyFileTransition(ctx, tx, &file, EventFinalApproval, extras)
		}
		if err != nil {
			return err
		}
		return tx.Create(&decision).Error
	})

	if txErr != nil {
		var insufficient *InsufficientFundsError
		if errors.As(txErr, &insufficient) {
			// Reservation failed: the transaction above rolled back, so the
			// file is untouched. Persist the denial for audit separately.
			outcome = models.ApprovalOutcomeDenied
			r := models.DenialReasonInsufficientFunds
			reason = &r
			decision := models.ApprovalDecision{
				ClientId: clientId,
				FileId:   fileId,
				UserId:   userId,
				Outcome:  outcome,
				Reason:   reason,
			}
			if err := db.WithContext(ctx).Create(&decision).Error; err != nil {
				return outcome, reason, err
			}
			return outcome, reason, nil
		}
		return "", nil, txErr
	}
	return outcome, reason, nil
}
