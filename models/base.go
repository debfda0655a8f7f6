package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/volopa/masspay_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PublishPaymentEvent implements the transactional outbox: it writes the
// message record inside the caller's DB transaction but does NOT publish to
// Pub/Sub. Publishing is performed asynchronously by the outbox dispatcher
// after commit.
func PublishPaymentEvent(ctx context.Context, db *gorm.DB, clientId string, fileId int, instructionId int, eventType PaymentEventType, payload interface{}) error {

	var payloadBytes []byte
	var err error
	if payload != nil {
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	record := PubSubMessageRecord{
		ClientId:      clientId,
		OccurredAt:    time.Now().UTC(),
		FileId:        fileId,
		InstructionId: instructionId,
		EventType:     eventType,
		Payload:       payloadBytes,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return db.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
