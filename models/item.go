package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Item struct {
	ID                   int             `gorm:"primary_key" json:"id"`
	Name                 string          `gorm:"size:150;not null;uniqueIndex" json:"name"`
	Class                ItemClass       `gorm:"size:20;not null;index" json:"class"`
	ValuationMethod      ValuationMethod `gorm:"size:10;not null;default:'FIFO'" json:"valuation_method"`
	Unit                 string          `gorm:"size:20" json:"unit"`
	InventoryAccountCode string          `gorm:"size:10;not null;index" json:"inventory_account_code"`
	QuantityOnHand       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"quantity_on_hand"`
	AverageCost          int64           `gorm:"not null;default:0" json:"average_cost"`
	ReorderLevel         decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"reorder_level"`
	IsActive             *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewItem struct {
	Name                 string          `json:"name" validate:"required,max=150"`
	Class                ItemClass       `json:"class" validate:"required"`
	Unit                 string          `json:"unit" validate:"max=20"`
	InventoryAccountCode string          `json:"inventory_account_code" validate:"max=10"`
	ReorderLevel         decimal.Decimal `json:"reorder_level"`
}

// DefaultInventoryAccountCode maps an item class to the asset account its layers are carried in.
func DefaultInventoryAccountCode(class ItemClass) string {
	switch class {
	case ItemClassWip:
		return AccountCodeWipInventory
	case ItemClassFinishedGoods:
		return AccountCodeFinishedGoods
	}
	return AccountCodeRawMaterials
}

// WipItemName is the deterministic name of the work-in-progress item a
// multi-step process parks step output in.
func WipItemName(processType string, sequence int) string {
	return fmt.Sprintf("WIP %s step %d", strings.TrimSpace(processType), sequence)
}

func (input *NewItem) validate() error {
	if err := ValidateInput(input); err != nil {
		return err
	}
	if !input.Class.IsValid() {
		return ErrValidation("invalid item class %q", input.Class)
	}
	return nil
}

// ProvisionItem returns the item with the given name, creating it when absent.
// It is the single provisioning point for auto-created items; concurrent callers
// with the same name converge on one row through the unique name index.
func ProvisionItem(tx *gorm.DB, input NewItem) (*Item, bool, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := input.validate(); err != nil {
		return nil, false, err
	}
	accountCode := input.InventoryAccountCode
	if accountCode == "" {
		accountCode = DefaultInventoryAccountCode(input.Class)
	}

	item := Item{
		Name:                 input.Name,
		Class:                input.Class,
		ValuationMethod:      ValuationMethodFIFO,
		Unit:                 input.Unit,
		InventoryAccountCode: accountCode,
		ReorderLevel:         input.ReorderLevel,
		IsActive:             boolPtr(true),
	}
	res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).Create(&item)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return &item, true, nil
	}

	var existing Item
	if err := tx.Where("name = ?", input.Name).First(&existing).Error; err != nil {
		return nil, false, err
	}
	if existing.Class != input.Class {
		return nil, false, ErrValidation("item %q already exists with class %s", input.Name, existing.Class)
	}
	return &existing, false, nil
}

// GetItem loads an item by id inside tx.
func GetItem(tx *gorm.DB, id int) (*Item, error) {
	var item Item
	if err := tx.First(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound("item", id)
		}
		return nil, err
	}
	return &item, nil
}

// GetItemsByIds loads items keyed by id; a missing id is a NOT_FOUND error.
func GetItemsByIds(tx *gorm.DB, ids []int) (map[int]*Item, error) {
	var items []*Item
	if err := tx.Where("id IN ?", ids).Find(&items).Error; err != nil {
		return nil, err
	}
	byId := make(map[int]*Item, len(items))
	for _, it := range items {
		byId[it.ID] = it
	}
	for _, id := range ids {
		if _, ok := byId[id]; !ok {
			return nil, ErrNotFound("item", id)
		}
	}
	return byId, nil
}

func boolPtr(b bool) *bool {
	return &b
}
