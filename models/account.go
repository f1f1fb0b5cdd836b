package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// System account codes the engine posts to.
const (
	AccountCodeRawMaterials     = "1300"
	AccountCodeWipInventory     = "1310"
	AccountCodeFinishedGoods    = "1320"
	AccountCodeAccountsPayable  = "2000"
	AccountCodeOverheadAbsorbed = "5100"
	AccountCodeInventoryAdjust  = "5900"
)

// GLAccount is a general-ledger account with a cached running balance in its
// normal-balance sign. The journal lines remain the source of truth.
type GLAccount struct {
	ID              int           `gorm:"primary_key" json:"id"`
	Code            string        `gorm:"size:10;not null;uniqueIndex" json:"code"`
	Name            string        `gorm:"size:100;not null" json:"name"`
	Type            AccountType   `gorm:"size:20;not null;index" json:"type"`
	NormalBalance   NormalBalance `gorm:"size:16;not null;default:'DEBIT'" json:"normal_balance"`
	Balance         int64         `gorm:"not null;default:0" json:"balance"`
	IsSystemDefault *bool         `gorm:"not null;default:false" json:"is_system_default"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// SignedAmount converts a debit/credit pair to this account's normal-balance sign.
func (a GLAccount) SignedAmount(debit, credit int64) int64 {
	if a.NormalBalance == NormalBalanceCredit {
		return credit - debit
	}
	return debit - credit
}

func SystemAccounts() []GLAccount {
	return []GLAccount{
		{Code: AccountCodeRawMaterials, Name: "Raw Materials Inventory", Type: AccountTypeAsset, NormalBalance: NormalBalanceDebit},
		{Code: AccountCodeWipInventory, Name: "Work In Progress Inventory", Type: AccountTypeAsset, NormalBalance: NormalBalanceDebit},
		{Code: AccountCodeFinishedGoods, Name: "Finished Goods Inventory", Type: AccountTypeAsset, NormalBalance: NormalBalanceDebit},
		{Code: AccountCodeAccountsPayable, Name: "Accounts Payable", Type: AccountTypeLiability, NormalBalance: NormalBalanceCredit},
		{Code: AccountCodeOverheadAbsorbed, Name: "Manufacturing Overhead Absorbed", Type: AccountTypeExpense, NormalBalance: NormalBalanceCredit},
		{Code: AccountCodeInventoryAdjust, Name: "Inventory Adjustments", Type: AccountTypeExpense, NormalBalance: NormalBalanceDebit},
	}
}

// SeedSystemAccounts creates any missing system account. Existing rows are left untouched.
func SeedSystemAccounts(db *gorm.DB) error {
	accounts := SystemAccounts()
	for i := range accounts {
		accounts[i].IsSystemDefault = boolPtr(true)
	}
	return db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(&accounts).Error
}

func GetAccountByCode(tx *gorm.DB, code string) (*GLAccount, error) {
	var account GLAccount
	if err := tx.Where("code = ?", code).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound("account", code)
		}
		return nil, err
	}
	return &account, nil
}
