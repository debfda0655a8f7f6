package models

import (
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
)

// Outbox publish statuses for PubSubMessageRecord.PublishStatus.
// Keep these as strings (DB values) for backwards compatibility.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// PubSubMessageRecord is the transactional outbox row. Domain writes create
// it inside their own DB transaction; the dispatcher publishes it to Pub/Sub
// after commit and records the result here.
type PubSubMessageRecord struct {
	ID            int              `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	ClientId      string           `gorm:"size:64;not null;index" json:"client_id"`
	OccurredAt    time.Time        `gorm:"index;not null" json:"occurred_at"`
	FileId        int              `gorm:"index" json:"file_id"`
	InstructionId int              `json:"instruction_id"`
	EventType     PaymentEventType `gorm:"size:40;not null;index" json:"event_type"`
	Payload       []byte           `gorm:"type:blob" json:"payload"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToPubSubMessage(record PubSubMessageRecord) config.PubSubMessage {
	return config.PubSubMessage{
		ID:            record.ID,
		ClientId:      record.ClientId,
		OccurredAt:    record.OccurredAt,
		FileId:        record.FileId,
		InstructionId: record.InstructionId,
		EventType:     string(record.EventType),
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}
