package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PurchaseBill is a supplier bill. The ledger is debited when the bill is
// submitted; its FIFO layer is only created on approval, so a pending bill is
// an expected gap between the inventory account and the layers.
type PurchaseBill struct {
	ID             int                `gorm:"primary_key" json:"id"`
	BillNumber     string             `gorm:"size:50;not null;uniqueIndex" json:"bill_number"`
	SupplierName   string             `gorm:"size:150" json:"supplier_name"`
	ItemId         int                `gorm:"not null;index" json:"item_id"`
	Qty            decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitCost       int64              `gorm:"not null" json:"unit_cost"`
	Amount         int64              `gorm:"not null" json:"amount"`
	BillDate       time.Time          `gorm:"not null" json:"bill_date"`
	Status         PurchaseBillStatus `gorm:"size:20;not null;index" json:"status"`
	LayerId        *int               `json:"layer_id"`
	JournalEntryId *int               `json:"journal_entry_id"`
	ApprovedAt     *time.Time         `json:"approved_at"`
	ApprovedBy     *int               `json:"approved_by"`
	CreatedAt      time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetPurchaseBill(tx *gorm.DB, id int) (*PurchaseBill, error) {
	var bill PurchaseBill
	if err := tx.First(&bill, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound("purchase bill", id)
		}
		return nil, err
	}
	return &bill, nil
}
