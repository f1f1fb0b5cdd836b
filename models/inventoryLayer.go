package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InventoryLayer is one FIFO cost layer: a quantity received at a single unit cost.
type InventoryLayer struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ItemId       int             `gorm:"not null;index:idx_layer_fifo,priority:1" json:"item_id"`
	BatchNumber  string          `gorm:"size:100;not null;index" json:"batch_number"`
	InitialQty   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"initial_qty"`
	RemainingQty decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"remaining_qty"`
	UnitCost     int64           `gorm:"not null" json:"unit_cost"`
	ReceivedAt   time.Time       `gorm:"not null;index:idx_layer_fifo,priority:3" json:"received_at"`
	IsDepleted   bool            `gorm:"not null;default:false;index:idx_layer_fifo,priority:2" json:"is_depleted"`
	QcStatus     QcStatus        `gorm:"size:20;not null;index" json:"qc_status"`
	LocationId   *int            `gorm:"index" json:"location_id"`
	SourceType   LayerSourceType `gorm:"size:30;not null;index:idx_layer_source,priority:1" json:"source_type"`
	SourceId     *int            `gorm:"index:idx_layer_source,priority:2" json:"source_id"`
	Version      int             `gorm:"not null;default:1" json:"version"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewInventoryLayer struct {
	ItemId      int             `validate:"required"`
	Qty         decimal.Decimal `validate:"gt=0"`
	UnitCost    int64           `validate:"gte=0"`
	ReceivedAt  time.Time       `validate:"required"`
	BatchNumber string
	QcStatus    QcStatus
	LocationId  *int
	SourceType  LayerSourceType `validate:"required"`
	SourceId    *int
}

// Value is the carrying amount of the remaining quantity.
func (l InventoryLayer) Value() decimal.Decimal {
	return l.RemainingQty.Mul(decimal.NewFromInt(l.UnitCost))
}

func (l InventoryLayer) Consumable() bool {
	return !l.IsDepleted && l.RemainingQty.IsPositive() && l.QcStatus.Consumable()
}

// GenerateBatchNumber encodes the producing run, the item and the creation instant.
func GenerateBatchNumber(sourceType LayerSourceType, sourceId int, itemId int, at time.Time) string {
	prefix := "LOT"
	switch sourceType {
	case LayerSourceProductionRun:
		prefix = "PR"
	case LayerSourcePurchaseBill, LayerSourcePurchaseReceipt:
		prefix = "PO"
	case LayerSourceAdjustment:
		prefix = "ADJ"
	}
	return fmt.Sprintf("%s-%d-%d-%s", prefix, sourceId, itemId, at.UTC().Format("20060102150405.000"))
}

// CreateInventoryLayer inserts a fresh layer with remaining == initial.
func CreateInventoryLayer(tx *gorm.DB, input NewInventoryLayer) (*InventoryLayer, error) {
	if err := ValidateInput(input); err != nil {
		return nil, err
	}
	qty := utils.RoundQty(input.Qty)
	if !qty.IsPositive() {
		return nil, ErrValidation("layer quantity must be positive")
	}
	qc := input.QcStatus
	if qc == "" {
		qc = QcStatusPending
	}
	batch := input.BatchNumber
	if batch == "" {
		batch = GenerateBatchNumber(input.SourceType, utils.DereferencePtr(input.SourceId), input.ItemId, input.ReceivedAt)
	}

	layer := InventoryLayer{
		ItemId:       input.ItemId,
		BatchNumber:  batch,
		InitialQty:   qty,
		RemainingQty: qty,
		UnitCost:     input.UnitCost,
		ReceivedAt:   input.ReceivedAt.UTC(),
		QcStatus:     qc,
		LocationId:   input.LocationId,
		SourceType:   input.SourceType,
		SourceId:     input.SourceId,
		Version:      1,
	}
	if err := tx.Create(&layer).Error; err != nil {
		return nil, err
	}
	return &layer, nil
}

func GetInventoryLayer(tx *gorm.DB, id int) (*InventoryLayer, error) {
	var layer InventoryLayer
	if err := tx.First(&layer, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound("inventory layer", id)
		}
		return nil, err
	}
	return &layer, nil
}
