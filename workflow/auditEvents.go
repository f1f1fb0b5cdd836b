package workflow

import (
	"context"
	"encoding/json"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type auditEventPayload struct {
	RunId        int `json:"run_id"`
	ItemId       int `json:"item_id"`
	OutputItemId int `json:"output_item_id"`
	OutputItem   int `json:"output_item"`
}

// AuditEventItems resolves the items a published engine event moved stock for.
// Events that move no stock resolve to nil.
func AuditEventItems(tx *gorm.DB, msg config.PubSubMessage) ([]int, error) {
	var p auditEventPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, models.WrapProductionError(models.ErrKindValidation, "malformed event payload", err)
		}
	}

	var ids []int
	switch msg.EventType {
	case models.EventPurchaseReceived, models.EventLayerQcReleased:
		ids = append(ids, p.ItemId)
	case models.EventProductionRunCompleted, models.EventProductionStepCompleted:
		ids = append(ids, p.OutputItemId, p.OutputItem)
		if p.RunId > 0 {
			var inputIds []int
			if err := tx.Model(&models.ProductionInput{}).Where("run_id = ?", p.RunId).
				Distinct().Pluck("item_id", &inputIds).Error; err != nil {
				return nil, err
			}
			ids = append(ids, inputIds...)
		}
	default:
		return nil, nil
	}

	out := make([]int, 0, len(ids))
	for _, id := range utils.UniqueSlice(ids) {
		if id > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

// ProcessAuditEvent runs a read-only auditor pass scoped to the items an event touched.
// A nil result means the event needed no audit.
func (a *Auditor) ProcessAuditEvent(ctx context.Context, msg config.PubSubMessage) (*ReconciliationResult, error) {
	itemIds, err := AuditEventItems(a.DB.WithContext(ctx), msg)
	if err != nil || len(itemIds) == 0 {
		return nil, err
	}
	if msg.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
	}
	result, err := a.Run(ctx, ReconciliationOptions{ItemIds: itemIds})
	if err != nil {
		return nil, err
	}
	if result.NewFindings > 0 {
		a.Logger.WithFields(logrus.Fields{
			"field":          "ProcessAuditEvent",
			"event_type":     msg.EventType,
			"aggregate_id":   msg.AggregateId,
			"correlation_id": msg.CorrelationId,
			"new_findings":   result.NewFindings,
		}).Warn("stock event left discrepancies")
	}
	return result, nil
}
