package models

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/utils"
	"gorm.io/gorm"
)

// Outbox publish statuses for OutboxRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Outbox event types.
const (
	EventProductionRunCompleted  = "production.run.completed"
	EventProductionStepCompleted = "production.step.completed"
	EventProductionRunStarted    = "production.run.started"
	EventLayerQcReleased         = "inventory.layer.qc_released"
	EventPurchaseReceived        = "inventory.purchase.received"
	EventReconciliationFixed     = "reconciliation.fixed"
)

// OutboxRecord is written in the same transaction as the change it announces
// and published after commit by the dispatcher.
type OutboxRecord struct {
	ID               int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventType        string     `gorm:"size:64;not null;index" json:"event_type"`
	AggregateType    string     `gorm:"size:50;not null" json:"aggregate_type"`
	AggregateId      int        `gorm:"not null;index" json:"aggregate_id"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToPubSubMessage(record OutboxRecord) config.PubSubMessage {
	return config.PubSubMessage{
		ID:            record.ID,
		EventType:     record.EventType,
		AggregateType: record.AggregateType,
		AggregateId:   record.AggregateId,
		OccurredAt:    record.CreatedAt,
		Payload:       json.RawMessage(record.Payload),
		CorrelationId: record.CorrelationId,
	}
}

// EnqueueOutboxEvent stages an event inside tx.
func EnqueueOutboxEvent(tx *gorm.DB, eventType string, aggregateType string, aggregateId int, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(tx.Statement.Context)
	return tx.Create(&OutboxRecord{
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateId:   aggregateId,
		Payload:       data,
		CorrelationId: correlationId,
		PublishStatus: OutboxPublishStatusPending,
	}).Error
}
