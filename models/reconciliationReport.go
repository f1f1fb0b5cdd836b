package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReconciliationReport is one persisted auditor finding. Fingerprint identifies
// the finding across runs so an unchanged discrepancy is only reported as new once.
type ReconciliationReport struct {
	ID              int                  `gorm:"primary_key" json:"id"`
	CheckType       string               `gorm:"size:50;index;not null" json:"check_type"`
	EntityType      string               `gorm:"size:50;index:idx_recon_entity,priority:1;not null" json:"entity_type"`
	EntityId        int                  `gorm:"index:idx_recon_entity,priority:2;not null" json:"entity_id"`
	DiscrepancyType string               `gorm:"size:30" json:"discrepancy_type"`
	Fingerprint     string               `gorm:"size:255;not null;index" json:"fingerprint"`
	Details         string               `gorm:"type:text" json:"details"`
	Expected        bool                 `gorm:"not null;default:false" json:"expected"`
	Status          ReconciliationStatus `gorm:"size:20;not null;index" json:"status"`
	CorrelationId   string               `gorm:"size:64;index" json:"correlation_id"`
	ResolvedAt      *time.Time           `json:"resolved_at"`
	CreatedAt       time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReconciliationFinding is one discrepancy found by an auditor pass. It is a
// report, not an error: every finding is either fixed or persisted OPEN.
type ReconciliationFinding struct {
	CheckType       string          `json:"check_type"`
	EntityType      string          `json:"entity_type"`
	EntityId        int             `json:"entity_id"`
	EntityName      string          `json:"entity_name"`
	AccountCode     string          `json:"account_code,omitempty"`
	DiscrepancyType DiscrepancyType `json:"discrepancy_type,omitempty"`

	CachedQty         decimal.Decimal `json:"cached_qty"`
	LayerQty          decimal.Decimal `json:"layer_qty"`
	CachedAvgCost     int64           `json:"cached_avg_cost"`
	LayerAvgCost      int64           `json:"layer_avg_cost"`
	LayerValue        int64           `json:"layer_value"`
	SuggestedUnitCost int64           `json:"suggested_unit_cost,omitempty"`

	LedgerBalance   int64 `json:"ledger_balance"`
	ExpectedBalance int64 `json:"expected_balance"`
	Gap             int64 `json:"gap"`
	PendingBills    int   `json:"pending_bills,omitempty"`

	// Expected marks a gap explained by bills awaiting approval.
	Expected bool   `json:"expected"`
	Remedy   string `json:"remedy"`
	New      bool   `json:"new"`
	Fixed    bool   `json:"fixed"`
	FixError string `json:"fix_error,omitempty"`
}

// Fingerprint identifies the same discrepancy across auditor passes.
func (f ReconciliationFinding) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s|%d|%d|%d",
		f.CheckType, f.EntityType, f.EntityId, f.DiscrepancyType,
		f.CachedQty.String(), f.LayerQty.String(), f.CachedAvgCost, f.LayerAvgCost, f.Gap)
}
