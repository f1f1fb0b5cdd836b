package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// JournalEntry is an immutable, balanced posting. Corrections are new entries.
type JournalEntry struct {
	ID             int                 `gorm:"primary_key" json:"id"`
	EntryDate      time.Time           `gorm:"not null;index" json:"entry_date"`
	TransactionKey string              `gorm:"size:64;not null;index" json:"transaction_key"`
	ReferenceType  string              `gorm:"size:30;not null;index:idx_je_ref,priority:1" json:"reference_type"`
	ReferenceId    int                 `gorm:"not null;index:idx_je_ref,priority:2" json:"reference_id"`
	Description    string              `gorm:"type:text" json:"description"`
	TotalAmount    int64               `gorm:"not null" json:"total_amount"`
	CreatedBy      int                 `json:"created_by"`
	Lines          []*JournalEntryLine `gorm:"foreignKey:JournalEntryId" json:"lines"`
	CreatedAt      time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

type JournalEntryLine struct {
	ID             int       `gorm:"primary_key" json:"id"`
	JournalEntryId int       `gorm:"not null;index" json:"journal_entry_id"`
	AccountCode    string    `gorm:"size:10;not null;index" json:"account_code"`
	Debit          int64     `gorm:"not null;default:0" json:"debit"`
	Credit         int64     `gorm:"not null;default:0" json:"credit"`
	Description    string    `gorm:"size:255" json:"description"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Journal reference types.
const (
	JournalRefProductionRun  = "PRODUCTION_RUN"
	JournalRefProductionStep = "PRODUCTION_STEP"
	JournalRefPurchaseBill   = "PURCHASE_BILL"
	JournalRefPurchase       = "PURCHASE_RECEIPT"
	JournalRefReconciliation = "RECONCILIATION"
)

func (j *JournalEntry) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: journal_entries cannot be updated")
}

func (j *JournalEntry) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: journal_entries cannot be deleted")
}

func (l *JournalEntryLine) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: journal_entry_lines cannot be updated")
}

func (l *JournalEntryLine) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: journal_entry_lines cannot be deleted")
}

// GetJournalEntriesByKey returns the entries posted under a correlation key, lines included.
func GetJournalEntriesByKey(tx *gorm.DB, key string) ([]*JournalEntry, error) {
	var entries []*JournalEntry
	err := tx.Preload("Lines", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Where("transaction_key = ?", key).Order("id ASC").Find(&entries).Error
	return entries, err
}
