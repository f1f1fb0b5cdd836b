package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// dependencyQtyScale is the fixed-point scale of QtyConsumed (two implied decimals).
const dependencyQtyScale = 100

// ProductionRunDependency says ChildRunId consumed output that ParentRunId produced.
// PLANNED edges come from chain materialisation, ACTUAL edges from FIFO depletion.
type ProductionRunDependency struct {
	ID          int            `gorm:"primary_key" json:"id"`
	ParentRunId int            `gorm:"not null;uniqueIndex:uniq_run_dep,priority:1;index" json:"parent_run_id"`
	ChildRunId  int            `gorm:"not null;uniqueIndex:uniq_run_dep,priority:2;index" json:"child_run_id"`
	ItemId      int            `gorm:"not null;uniqueIndex:uniq_run_dep,priority:3" json:"item_id"`
	Kind        DependencyKind `gorm:"size:10;not null;uniqueIndex:uniq_run_dep,priority:4" json:"kind"`
	QtyConsumed int64          `gorm:"not null" json:"qty_consumed"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// QtyToFixed converts a quantity to the edge's fixed-point representation.
func QtyToFixed(qty decimal.Decimal) int64 {
	return qty.Mul(decimal.NewFromInt(dependencyQtyScale)).Round(0).IntPart()
}

func FixedToQty(fixed int64) decimal.Decimal {
	return decimal.New(fixed, -2)
}

func (d ProductionRunDependency) Qty() decimal.Decimal {
	return FixedToQty(d.QtyConsumed)
}

// RecordRunDependency adds qty to the (parent, child, item, kind) edge, creating it
// on first use. Self-edges are ignored.
func RecordRunDependency(tx *gorm.DB, parentRunId, childRunId, itemId int, qty decimal.Decimal, kind DependencyKind) error {
	if parentRunId == 0 || childRunId == 0 || parentRunId == childRunId {
		return nil
	}
	fixed := QtyToFixed(qty)

	res := tx.Model(&ProductionRunDependency{}).
		Where("parent_run_id = ? AND child_run_id = ? AND item_id = ? AND kind = ?", parentRunId, childRunId, itemId, kind).
		Update("qty_consumed", gorm.Expr("qty_consumed + ?", fixed))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return tx.Create(&ProductionRunDependency{
		ParentRunId: parentRunId,
		ChildRunId:  childRunId,
		ItemId:      itemId,
		Kind:        kind,
		QtyConsumed: fixed,
	}).Error
}
