package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func auditMessage(t *testing.T, eventType string, payload map[string]interface{}) config.PubSubMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return config.PubSubMessage{ID: 1, EventType: eventType, Payload: raw, CorrelationId: "corr-audit"}
}

func TestAuditEventItems(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	milk := createItem(t, db, "Milk", models.ItemClassRawMaterial)
	sugar := createItem(t, db, "Sugar", models.ItemClassRawMaterial)
	custard := createItem(t, db, "Custard", models.ItemClassFinishedGoods)
	receive(t, db, milk.ID, 4, 20, baseTime)
	receive(t, db, sugar.ID, 2, 10, baseTime)
	result, err := engine.CommitProductionRun(context.Background(), CommitRunInput{
		RunDate:     baseTime,
		ProcessType: "cook",
		Inputs:      []RunInputLine{{ItemId: milk.ID, Qty: qty(4)}, {ItemId: sugar.ID, Qty: qty(2)}},
		Output:      RunOutputLine{ItemId: custard.ID, Qty: qty(5)},
	})
	require.NoError(t, err)

	ids, err := AuditEventItems(db, auditMessage(t, models.EventProductionRunCompleted, map[string]interface{}{
		"run_id":         result.Run.ID,
		"output_item_id": custard.ID,
	}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{custard.ID, milk.ID, sugar.ID}, ids)

	ids, err = AuditEventItems(db, auditMessage(t, models.EventPurchaseReceived, map[string]interface{}{"item_id": milk.ID}))
	require.NoError(t, err)
	assert.Equal(t, []int{milk.ID}, ids)

	ids, err = AuditEventItems(db, auditMessage(t, models.EventReconciliationFixed, map[string]interface{}{"item_id": milk.ID}))
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = AuditEventItems(db, config.PubSubMessage{EventType: models.EventPurchaseReceived, Payload: json.RawMessage(`[1]`)})
	requireKind(t, err, models.ErrKindValidation)
}

func TestProcessAuditEvent_ReportsWithoutFixing(t *testing.T) {
	db := newTestDB(t)
	butter := createItem(t, db, "Butter", models.ItemClassRawMaterial)
	oil := createItem(t, db, "Oil", models.ItemClassRawMaterial)
	receive(t, db, butter.ID, 6, 40, baseTime)
	receive(t, db, oil.ID, 3, 15, baseTime)
	setItemCache(t, db, butter.ID, 2, 40)
	setItemCache(t, db, oil.ID, 1, 15)
	auditor := newTestAuditor(db)

	result, err := auditor.ProcessAuditEvent(context.Background(), auditMessage(t, models.EventPurchaseReceived, map[string]interface{}{
		"item_id": butter.ID,
	}))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.ItemsChecked)
	assert.Equal(t, 0, result.AccountsChecked)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, butter.ID, result.Findings[0].EntityId)
	assert.Equal(t, "corr-audit", result.CorrelationId)
	assertQty(t, "2", reloadItem(t, db, butter.ID).QuantityOnHand)

	skipped, err := auditor.ProcessAuditEvent(context.Background(), auditMessage(t, models.EventProductionRunStarted, map[string]interface{}{
		"run_id": 1,
	}))
	require.NoError(t, err)
	assert.Nil(t, skipped)
}
