package workflow

import (
	"context"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/models"
	"gorm.io/gorm"
)

// FindStuckProcessingFiles returns files that entered processing before the
// wall-clock bound and never reached a terminal state. They are flagged for
// operator intervention, never auto-retried.
func FindStuckProcessingFiles(ctx context.Context, bound time.Duration) ([]models.MassPaymentFile, error) {
	db := config.GetDB()
	cutoff := time.Now().UTC().Add(-bound)
	var files []models.MassPaymentFile
	err := db.WithContext(ctx).
		Where("status = ? AND processing_started_at IS NOT NULL AND processing_started_at < ?",
			models.FileStatusProcessing, cutoff).
		Order("processing_started_at").
		Find(&files).Error
	return files, err
}

// FlagStuckProcessingFiles emits a file.stuck_processing event per stuck
// file so operators get paged through the notification collaborator.
func FlagStuckProcessingFiles(ctx context.Context, bound time.Duration) (int, error) {
	db := config.GetDB()
	files, err := FindStuckProcessingFiles(ctx, bound)
	if err != nil {
		return 0, err
	}
	for i := range files {
		file := files[i]
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return models.PublishPaymentEvent(ctx, tx, file.ClientId, file.ID, 0,
				models.EventFileStuckInProcessing, map[string]interface{}{
					"file_id":               file.ID,
					"processing_started_at": file.ProcessingStartedAt,
				})
		})
		if err != nil {
			return i, err
		}
	}
	return len(files), nil
}
