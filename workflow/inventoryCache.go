package workflow

import (
	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LayerAggregate is the layer-side truth for one item.
type LayerAggregate struct {
	ItemId     int             `json:"item_id"`
	Qty        decimal.Decimal `json:"qty"`
	Value      decimal.Decimal `json:"value"`
	LayerCount int             `json:"layer_count"`
	// CarryingValue sums each layer's value rounded on its own, which is
	// what receipts, outputs and depletions post to the ledger.
	CarryingValue int64 `json:"carrying_value"`
}

// AverageCost is value/qty rounded to whole units, 0 for an empty item.
func (a LayerAggregate) AverageCost() int64 {
	if !a.Qty.IsPositive() {
		return 0
	}
	return utils.RoundAmount(a.Value.Div(a.Qty))
}

// AggregateLayers sums remaining quantity and value over the item's
// non-depleted layers, whatever their QC status. Sums run in Go so the
// result is exact on every dialect.
func AggregateLayers(tx *gorm.DB, itemIds []int) (map[int]*LayerAggregate, error) {
	aggregates := make(map[int]*LayerAggregate, len(itemIds))
	for _, id := range itemIds {
		aggregates[id] = &LayerAggregate{ItemId: id, Qty: decimal.Zero, Value: decimal.Zero}
	}
	if len(itemIds) == 0 {
		return aggregates, nil
	}

	var layers []*models.InventoryLayer
	if err := tx.Where("item_id IN ? AND is_depleted = ?", itemIds, false).Find(&layers).Error; err != nil {
		return nil, err
	}
	for _, l := range layers {
		agg := aggregates[l.ItemId]
		agg.Qty = agg.Qty.Add(l.RemainingQty)
		agg.Value = agg.Value.Add(l.Value())
		agg.CarryingValue += utils.RoundAmount(l.Value())
		agg.LayerCount++
	}
	return aggregates, nil
}

// SyncItemCaches rewrites quantity_on_hand and average_cost of each item from its layers.
func SyncItemCaches(tx *gorm.DB, logger *logrus.Logger, itemIds []int) error {
	ids := utils.UniqueSlice(itemIds)
	aggregates, err := AggregateLayers(tx, ids)
	if err != nil {
		config.LogError(logger, "InventoryCache.go", "SyncItemCaches", "AggregateLayers", ids, err)
		return err
	}
	for _, id := range ids {
		agg := aggregates[id]
		if err := tx.Model(&models.Item{}).Where("id = ?", id).Updates(map[string]interface{}{
			"quantity_on_hand": utils.RoundQty(agg.Qty),
			"average_cost":     agg.AverageCost(),
		}).Error; err != nil {
			config.LogError(logger, "InventoryCache.go", "SyncItemCaches", "update item cache", agg, err)
			return err
		}
	}
	return nil
}
