package workflow

import (
	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// depletionTolerance absorbs representation noise when comparing quantities.
var depletionTolerance = decimal.New(1, -4)

type DepletionRequest struct {
	ItemId int
	Qty    decimal.Decimal
	// ConsumerRunId is the run doing the consuming; 0 for non-production issues.
	ConsumerRunId int
}

// LayerConsumption is the slice of one layer taken by a depletion.
type LayerConsumption struct {
	LayerId     int             `json:"layer_id"`
	BatchNumber string          `json:"batch_number"`
	Qty         decimal.Decimal `json:"qty"`
	UnitCost    int64           `json:"unit_cost"`
	Cost        decimal.Decimal `json:"cost"`
	// CarriedCost is the drop in the layer's rounded carrying value.
	CarriedCost int64 `json:"carried_cost"`
	SourceRunId *int  `json:"source_run_id,omitempty"`
}

type DepletionResult struct {
	ItemId       int                `json:"item_id"`
	Qty          decimal.Decimal    `json:"qty"`
	Cost         decimal.Decimal    `json:"cost"`
	Carried      int64              `json:"carried"`
	Consumptions []LayerConsumption `json:"consumptions"`
}

// TotalCost is the consumed cost in whole currency units. Successive
// depletions of one layer sum to that layer's rounded value.
func (r DepletionResult) TotalCost() int64 {
	return r.Carried
}

// carryingValue is a layer remainder valued the way the ledger holds it.
func carryingValue(qty decimal.Decimal, unitCost int64) int64 {
	return utils.RoundAmount(qty.Mul(decimal.NewFromInt(unitCost)))
}

func consumableLayers(tx *gorm.DB, itemId int) *gorm.DB {
	return tx.Where("item_id = ? AND is_depleted = ? AND remaining_qty > 0 AND qc_status IN ?", itemId, false, models.ConsumableQcStatuses)
}

// getConsumableLayers returns the item's consumable layers oldest first, locked for update.
func getConsumableLayers(tx *gorm.DB, itemId int) ([]*models.InventoryLayer, error) {
	var layers []*models.InventoryLayer
	err := consumableLayers(tx.Clauses(clause.Locking{Strength: "UPDATE"}), itemId).
		Order("received_at ASC, id ASC").
		Find(&layers).Error
	return layers, err
}

// availableQty is the item's consumable quantity read without row locks.
func availableQty(tx *gorm.DB, itemId int) (decimal.Decimal, error) {
	var layers []*models.InventoryLayer
	if err := consumableLayers(tx, itemId).Select("id", "remaining_qty").Find(&layers).Error; err != nil {
		return decimal.Zero, err
	}
	return sumRemaining(layers), nil
}

func sumRemaining(layers []*models.InventoryLayer) decimal.Decimal {
	total := decimal.Zero
	for _, l := range layers {
		total = total.Add(l.RemainingQty)
	}
	return total
}

// DepleteFIFO consumes req.Qty of an item from its oldest consumable layers.
// Availability is checked before any layer is touched; a shortfall returns
// INSUFFICIENT_INVENTORY and the caller's transaction must be rolled back.
// Consuming a layer produced by another run records an ACTUAL dependency edge.
func DepleteFIFO(tx *gorm.DB, logger *logrus.Logger, req DepletionRequest) (*DepletionResult, error) {
	required := utils.RoundQty(req.Qty)
	if !required.IsPositive() {
		return nil, models.ErrValidation("depletion quantity must be positive")
	}

	layers, err := getConsumableLayers(tx, req.ItemId)
	if err != nil {
		config.LogError(logger, "FifoDepletion.go", "DepleteFIFO", "getConsumableLayers", req, err)
		return nil, err
	}

	available := sumRemaining(layers)
	if available.Add(depletionTolerance).LessThan(required) {
		config.GetMetrics().InsufficientStock.Inc()
		return nil, insufficientInventoryError(req.ItemId, required, available)
	}

	result := &DepletionResult{ItemId: req.ItemId, Cost: decimal.Zero}
	stillNeeded := required
	for _, layer := range layers {
		if stillNeeded.LessThanOrEqual(depletionTolerance) {
			break
		}
		take := utils.DecimalMin(layer.RemainingQty, stillNeeded)
		before := layer.RemainingQty
		newRemaining := layer.RemainingQty.Sub(take)
		depleted := newRemaining.Sign() <= 0
		if depleted {
			newRemaining = decimal.Zero
		}

		if err := models.UpdateLayerWithVersion(tx, layer, map[string]interface{}{
			"remaining_qty": newRemaining,
			"is_depleted":   depleted,
		}); err != nil {
			if !models.IsKind(err, models.ErrKindConcurrentUpdate) {
				config.LogError(logger, "FifoDepletion.go", "DepleteFIFO", "UpdateLayerWithVersion", layer.ID, err)
			}
			return nil, err
		}
		layer.RemainingQty = newRemaining
		layer.IsDepleted = depleted

		cost := take.Mul(decimal.NewFromInt(layer.UnitCost))
		consumption := LayerConsumption{
			LayerId:     layer.ID,
			BatchNumber: layer.BatchNumber,
			Qty:         take,
			UnitCost:    layer.UnitCost,
			Cost:        cost,
			CarriedCost: carryingValue(before, layer.UnitCost) - carryingValue(newRemaining, layer.UnitCost),
		}
		if layer.SourceType == models.LayerSourceProductionRun && layer.SourceId != nil {
			consumption.SourceRunId = layer.SourceId
			if req.ConsumerRunId > 0 {
				if err := models.RecordRunDependency(tx, *layer.SourceId, req.ConsumerRunId, req.ItemId, take, models.DependencyKindActual); err != nil {
					config.LogError(logger, "FifoDepletion.go", "DepleteFIFO", "RecordRunDependency", consumption, err)
					return nil, err
				}
			}
		}

		result.Consumptions = append(result.Consumptions, consumption)
		result.Qty = result.Qty.Add(take)
		result.Cost = result.Cost.Add(cost)
		result.Carried += consumption.CarriedCost
		stillNeeded = stillNeeded.Sub(take)
	}

	if stillNeeded.GreaterThan(depletionTolerance) {
		config.GetMetrics().InsufficientStock.Inc()
		return nil, insufficientInventoryError(req.ItemId, required, result.Qty)
	}

	logger.WithFields(logrus.Fields{
		"field":   "DepleteFIFO",
		"item_id": req.ItemId,
		"qty":     result.Qty.String(),
		"cost":    result.Cost.String(),
		"layers":  len(result.Consumptions),
	}).Debug("fifo depletion applied")

	return result, nil
}

func insufficientInventoryError(itemId int, required, available decimal.Decimal) error {
	return models.NewProductionError(models.ErrKindInsufficientInventory, "insufficient consumable inventory").
		WithDetail("item_id", itemId).
		WithDetail("required", required.String()).
		WithDetail("available", available.String()).
		WithDetail("shortage", required.Sub(available).String())
}
