package models

import (
	"time"

	"gorm.io/gorm"
)

// OutboxStatus is the API view of one outbox row for an aggregate.
type OutboxStatus struct {
	RecordId         int        `json:"record_id"`
	EventType        string     `json:"event_type"`
	AggregateType    string     `json:"aggregate_type"`
	AggregateId      int        `json:"aggregate_id"`
	PublishStatus    string     `json:"publish_status"`
	IsPublished      bool       `json:"is_published"`
	PublishAttempts  int        `json:"publish_attempts"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	LastPublishError *string    `json:"last_publish_error"`
	CreatedAt        time.Time  `json:"created_at"`
	PublishedAt      *time.Time `json:"published_at"`
}

func (r OutboxRecord) Status() OutboxStatus {
	return OutboxStatus{
		RecordId:         r.ID,
		EventType:        r.EventType,
		AggregateType:    r.AggregateType,
		AggregateId:      r.AggregateId,
		PublishStatus:    r.PublishStatus,
		IsPublished:      r.PublishStatus == OutboxPublishStatusSent,
		PublishAttempts:  r.PublishAttempts,
		NextAttemptAt:    r.NextAttemptAt,
		LastPublishError: r.LastPublishError,
		CreatedAt:        r.CreatedAt,
		PublishedAt:      r.PublishedAt,
	}
}

// GetOutboxStatuses lists the delivery state of every event raised for an aggregate, oldest first.
func GetOutboxStatuses(tx *gorm.DB, aggregateType string, aggregateId int) ([]OutboxStatus, error) {
	var records []OutboxRecord
	if err := tx.Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateId).
		Order("id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	statuses := make([]OutboxStatus, 0, len(records))
	for _, r := range records {
		statuses = append(statuses, r.Status())
	}
	return statuses, nil
}
