package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// QualityInspector decides whether a freshly produced layer must be held for inspection.
type QualityInspector interface {
	InspectionRequired(tx *gorm.DB, layer *models.InventoryLayer, item *models.Item) (bool, error)
}

// CriteriaInspector holds a layer when an active InspectionCriteria row names its item or its class.
type CriteriaInspector struct{}

func (CriteriaInspector) InspectionRequired(tx *gorm.DB, layer *models.InventoryLayer, item *models.Item) (bool, error) {
	var count int64
	err := tx.Model(&models.InspectionCriteria{}).
		Where("is_active = ?", true).
		Where("item_id = ? OR (item_id IS NULL AND item_class = ?)", item.ID, item.Class).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyInspectionDecision releases a PENDING layer to NOT_REQUIRED when no
// inspection applies. A layer that still needs inspection is left on hold.
func (e *ProductionEngine) applyInspectionDecision(ctx context.Context, layerId int) (err error) {
	ctx, span := tracer.Start(ctx, "production.applyInspectionDecision")
	span.SetAttributes(attribute.Int("layer_id", layerId))
	defer func() { endSpan(span, err) }()

	inspector := e.Inspector
	if inspector == nil {
		inspector = CriteriaInspector{}
	}

	return runInTransaction(ctx, e.DB, e.Logger, "qc_decision", func(tx *gorm.DB) error {
		layer, err := models.GetInventoryLayer(tx, layerId)
		if err != nil {
			return err
		}
		if layer.QcStatus != models.QcStatusPending {
			return nil
		}
		item, err := models.GetItem(tx, layer.ItemId)
		if err != nil {
			return err
		}
		required, err := inspector.InspectionRequired(tx, layer, item)
		if err != nil {
			return err
		}
		if required {
			e.Logger.WithFields(logrus.Fields{
				"field":    "applyInspectionDecision",
				"layer_id": layer.ID,
				"item_id":  item.ID,
			}).Info("layer held for quality inspection")
			return nil
		}
		return setLayerQcStatus(tx, e.Logger, layer, models.QcStatusNotRequired, "no inspection criteria apply")
	})
}

// setLayerQcStatus moves a held layer to its QC decision, resyncs the item
// cache and records the release.
func setLayerQcStatus(tx *gorm.DB, logger *logrus.Logger, layer *models.InventoryLayer, status models.QcStatus, reason string) error {
	before := *layer
	if err := models.UpdateLayerWithVersion(tx, layer, map[string]interface{}{"qc_status": status}); err != nil {
		return err
	}
	layer.QcStatus = status

	if err := SyncItemCaches(tx, logger, []int{layer.ItemId}); err != nil {
		return err
	}

	action := models.HistoryActionQcRelease
	if status == models.QcStatusRejected {
		action = models.HistoryActionQcReject
	}
	description := fmt.Sprintf("Batch %s set to %s", layer.BatchNumber, status)
	if reason != "" {
		description += ": " + reason
	}
	if err := models.CreateHistory(tx, action, layer.ID, "inventory_layer", before, layer, description); err != nil {
		return err
	}
	return models.EnqueueOutboxEvent(tx, models.EventLayerQcReleased, "inventory_layer", layer.ID, map[string]interface{}{
		"layer_id":     layer.ID,
		"item_id":      layer.ItemId,
		"batch_number": layer.BatchNumber,
		"qc_status":    status,
	})
}

type ReleaseBatchInput struct {
	LayerId int             `json:"layer_id" validate:"required"`
	Status  models.QcStatus `json:"status" validate:"required,oneof=APPROVED REJECTED"`
	Reason  string          `json:"reason" validate:"max=255"`
}

// ReleaseBatch records the inspector's verdict on a held layer. Only PENDING
// layers can be decided; an approved layer becomes consumable.
func (e *ProductionEngine) ReleaseBatch(ctx context.Context, input ReleaseBatchInput) (layer *models.InventoryLayer, err error) {
	ctx, span := tracer.Start(ctx, "production.ReleaseBatch")
	span.SetAttributes(attribute.Int("layer_id", input.LayerId))
	defer func() { endSpan(span, err) }()

	if err := models.ValidateInput(input); err != nil {
		return nil, err
	}

	err = runInTransaction(ctx, e.DB, e.Logger, "qc_release", func(tx *gorm.DB) error {
		l, txErr := models.GetInventoryLayer(tx, input.LayerId)
		if txErr != nil {
			return txErr
		}
		if l.QcStatus != models.QcStatusPending {
			return models.ErrInvalidState("layer %d is %s, only PENDING layers can be released", l.ID, l.QcStatus)
		}
		if txErr := setLayerQcStatus(tx, e.Logger, l, input.Status, input.Reason); txErr != nil {
			return txErr
		}
		layer = l
		return nil
	})
	if err != nil {
		var pe *models.ProductionError
		if !errors.As(err, &pe) || pe.Kind == models.ErrKindInternal {
			config.LogError(e.Logger, "QualityControl.go", "ReleaseBatch", "release batch", input, err)
		}
		return nil, asEngineError(err)
	}
	return layer, nil
}
