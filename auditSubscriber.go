package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	itemMutexMap = make(map[int]*sync.Mutex)
	globalMutex  = &sync.Mutex{}
)

func itemMutex(itemId int) *sync.Mutex {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	mutex, exists := itemMutexMap[itemId]
	if !exists {
		mutex = &sync.Mutex{}
		itemMutexMap[itemId] = mutex
	}
	return mutex
}

// RunAuditSubscriber consumes the engine's own published events and audits
// the items each one moved. It never auto-fixes.
func RunAuditSubscriber(ctx context.Context, db *gorm.DB, logger *logrus.Logger) error {
	topic, err := config.CreateTopicIfNotExists(ctx, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, os.Getenv("PUBSUB_AUDIT_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	auditor := workflow.NewAuditor(db, logger)
	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.PubSubMessage{}
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			config.LogError(logger, "AuditSubscriber.go", "RunAuditSubscriber", "Unmarshaling pubsub message", string(msg.Data), err)
			// redelivery cannot fix a malformed body
			msg.Ack()
			return
		}

		// Lock the output item so audits of the same stock do not interleave.
		if itemId := primaryItemId(m); itemId > 0 {
			mutex := itemMutex(itemId)
			mutex.Lock()
			defer mutex.Unlock()
		}

		if _, err := auditor.ProcessAuditEvent(ctx, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "AuditSubscriber",
				"event_type":     m.EventType,
				"aggregate_type": m.AggregateType,
				"aggregate_id":   m.AggregateId,
				"message_id":     msg.ID,
			}).Error("audit processing failed: " + err.Error())
			if models.IsKind(err, models.ErrKindValidation) {
				msg.Ack()
				return
			}
			msg.Nack()
			return
		}
		msg.Ack()
	}

	go func() {
		if err := sub.Receive(ctx, callback); err != nil {
			config.LogError(logger, "AuditSubscriber.go", "RunAuditSubscriber", "Failed to receive messages", nil, err)
		}
	}()
	return nil
}

func primaryItemId(m config.PubSubMessage) int {
	var p struct {
		ItemId       int `json:"item_id"`
		OutputItemId int `json:"output_item_id"`
		OutputItem   int `json:"output_item"`
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return 0
	}
	switch {
	case p.OutputItemId > 0:
		return p.OutputItemId
	case p.OutputItem > 0:
		return p.OutputItem
	}
	return p.ItemId
}
