package workflow

import (
	"context"
	"encoding/json"
	"errors"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/models"
	"gorm.io/gorm"
)

// CreateMassPaymentFile registers an uploaded batch: the draft file, its raw
// rows, and the file.uploaded outbox record are written in one transaction.
// Validation runs asynchronously when the worker consumes the event.
func CreateMassPaymentFile(ctx context.Context, clientId string, userId int, input models.NewMassPaymentFile) (*models.MassPaymentFile, error) {
	if err := input.Validate(ctx, clientId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	file := models.MassPaymentFile{
		ClientId:         clientId,
		FundingAccountId: input.FundingAccountId,
		Currency:         input.Currency,
		TotalAmount:      input.TotalAmount,
		Status:           models.FileStatusDraft,
		TotalRecords:     len(input.Rows),
		CreatedBy:        userId,
		SourceObjectKey:  input.SourceObjectKey,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&file).Error; err != nil {
			return err
		}

		rows := make([]models.MassPaymentRow, 0, len(input.Rows))
		for _, raw := range input.Rows {
			fields, err := json.Marshal(raw.RawFields)
			if err != nil {
				return err
			}
			rows = append(rows, models.MassPaymentRow{
				ClientId:  clientId,
				FileId:    file.ID,
				RowNumber: raw.RowNumber,
				RawFields: fields,
			})
		}
		if err := tx.CreateInBatches(rows, 500).Error; err != nil {
			return err
		}

		return models.PublishPaymentEvent(ctx, tx, clientId, file.ID, 0, models.EventFileUploaded, nil)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// CancelFile cancels a pre-processing file synchronously. Cancelling an
// approved file also releases its reservation; a processing file must run to
// a terminal state first.
func CancelFile(ctx context.Context, clientId string, fileId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := models.FetchMassPaymentFile(ctx, clientId, fileId)
		if err != nil {
			return err
		}
		if err := ApplyFileTransition(ctx, tx, file, EventCancel, nil); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return errors.New("file cannot be cancelled from status " + string(file.Status))
			}
			return err
		}
		return nil
	})
}

// DeleteFile soft-deletes a file and removes its rows and instructions.
// Permitted only from draft, validation_failed, or cancelled.
func DeleteFile(ctx context.Context, clientId string, fileId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := models.FetchMassPaymentFile(ctx, clientId, fileId)
		if err != nil {
			return err
		}
		if !CanDeleteFile(file.Status) {
			return errors.New("file cannot be deleted from status " + string(file.Status))
		}
		err = tx.Where("client_id = ? AND file_id = ?", clientId, fileId).
			Delete(&models.PaymentInstruction{}).Error
		if err != nil {
			return err
		}
		err = tx.Where("client_id = ? AND file_id = ?", clientId, fileId).
			Delete(&models.MassPaymentRow{}).Error
		if err != nil {
			return err
		}
		return tx.Delete(file).Error
	})
}
