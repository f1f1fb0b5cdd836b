package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	messages []config.PubSubMessage
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, msg config.PubSubMessage) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, msg)
	return fmt.Sprintf("msg-%d", msg.ID), nil
}

func enqueue(t *testing.T, db *gorm.DB, aggregateId int) *models.OutboxRecord {
	t.Helper()
	require.NoError(t, models.EnqueueOutboxEvent(db, models.EventProductionRunCompleted, "production_run", aggregateId,
		map[string]int{"run_id": aggregateId}))
	var rec models.OutboxRecord
	require.NoError(t, db.Where("aggregate_id = ?", aggregateId).Order("id DESC").First(&rec).Error)
	return &rec
}

func reloadOutbox(t *testing.T, db *gorm.DB, id int) *models.OutboxRecord {
	t.Helper()
	var rec models.OutboxRecord
	require.NoError(t, db.First(&rec, id).Error)
	return &rec
}

func TestOutboxDispatcher_PublishesPendingEvents(t *testing.T) {
	db := newTestDB(t)
	first := enqueue(t, db, 11)
	second := enqueue(t, db, 12)
	publisher := &recordingPublisher{}
	dispatcher := NewOutboxDispatcher(db, testLogger(), publisher)

	assert.Equal(t, 2, dispatcher.DispatchOnce(context.Background()))
	require.Len(t, publisher.messages, 2)
	assert.Equal(t, first.ID, publisher.messages[0].ID)
	assert.Equal(t, models.EventProductionRunCompleted, publisher.messages[0].EventType)
	assert.JSONEq(t, `{"run_id":11}`, string(publisher.messages[0].Payload))

	rec := reloadOutbox(t, db, second.ID)
	assert.Equal(t, models.OutboxPublishStatusSent, rec.PublishStatus)
	require.NotNil(t, rec.PubSubMessageId)
	assert.Equal(t, fmt.Sprintf("msg-%d", second.ID), *rec.PubSubMessageId)
	assert.Equal(t, 1, rec.PublishAttempts)
	assert.Nil(t, rec.LockedBy)

	assert.Equal(t, 0, dispatcher.DispatchOnce(context.Background()), "sent events are not published twice")
}

func TestOutboxDispatcher_FailedPublishBacksOff(t *testing.T) {
	db := newTestDB(t)
	rec := enqueue(t, db, 21)
	publisher := &recordingPublisher{err: errors.New("broker unavailable")}
	dispatcher := NewOutboxDispatcher(db, testLogger(), publisher)

	assert.Equal(t, 0, dispatcher.DispatchOnce(context.Background()))
	failed := reloadOutbox(t, db, rec.ID)
	assert.Equal(t, models.OutboxPublishStatusFailed, failed.PublishStatus)
	assert.Equal(t, 1, failed.PublishAttempts)
	require.NotNil(t, failed.LastPublishError)
	assert.Equal(t, "broker unavailable", *failed.LastPublishError)
	require.NotNil(t, failed.NextAttemptAt)
	assert.True(t, failed.NextAttemptAt.After(time.Now().UTC()))

	// Not due yet.
	publisher.err = nil
	assert.Equal(t, 0, dispatcher.DispatchOnce(context.Background()))
	assert.Empty(t, publisher.messages)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Model(&models.OutboxRecord{}).Where("id = ?", rec.ID).Update("next_attempt_at", &past).Error)
	assert.Equal(t, 1, dispatcher.DispatchOnce(context.Background()))
	sent := reloadOutbox(t, db, rec.ID)
	assert.Equal(t, models.OutboxPublishStatusSent, sent.PublishStatus)
	assert.Equal(t, 2, sent.PublishAttempts)
}

func TestOutboxDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	rec := enqueue(t, db, 31)
	publisher := &recordingPublisher{err: errors.New("rejected")}
	dispatcher := NewOutboxDispatcher(db, testLogger(), publisher)
	dispatcher.MaxAttempts = 1

	assert.Equal(t, 0, dispatcher.DispatchOnce(context.Background()))
	dead := reloadOutbox(t, db, rec.ID)
	assert.Equal(t, models.OutboxPublishStatusDead, dead.PublishStatus)
	assert.Nil(t, dead.NextAttemptAt)

	poisoned := enqueue(t, db, 32)
	require.NoError(t, db.Model(&models.OutboxRecord{}).Where("id = ?", poisoned.ID).Update("publish_attempts", 5).Error)
	publisher.err = nil
	assert.Equal(t, 0, dispatcher.DispatchOnce(context.Background()))
	assert.Empty(t, publisher.messages)
	assert.Equal(t, models.OutboxPublishStatusDead, reloadOutbox(t, db, poisoned.ID).PublishStatus)
}

func TestOutboxDispatcher_ReclaimsStaleLocks(t *testing.T) {
	db := newTestDB(t)
	rec := enqueue(t, db, 41)
	stale := time.Now().UTC().Add(-time.Hour)
	owner := "crashed-dispatcher"
	require.NoError(t, db.Model(&models.OutboxRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
		"publish_status": models.OutboxPublishStatusProcessing,
		"locked_at":      &stale,
		"locked_by":      &owner,
	}).Error)

	publisher := &recordingPublisher{}
	dispatcher := NewOutboxDispatcher(db, testLogger(), publisher)
	assert.Equal(t, 1, dispatcher.DispatchOnce(context.Background()))
	assert.Equal(t, models.OutboxPublishStatusSent, reloadOutbox(t, db, rec.ID).PublishStatus)
}

func TestProductionRun_EventReachesPublisher(t *testing.T) {
	db := newTestDB(t)
	flour := createItem(t, db, "Flour", models.ItemClassRawMaterial)
	receive(t, db, flour.ID, 5, 10, baseTime)

	publisher := &recordingPublisher{}
	dispatcher := NewOutboxDispatcher(db, testLogger(), publisher)
	assert.Equal(t, 1, dispatcher.DispatchOnce(context.Background()))
	require.Len(t, publisher.messages, 1)
	assert.Equal(t, models.EventPurchaseReceived, publisher.messages[0].EventType)
}
