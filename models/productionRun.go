package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ProductionRun struct {
	ID               int                 `gorm:"primary_key" json:"id"`
	RunDate          time.Time           `gorm:"not null;index" json:"run_date"`
	ProcessType      string              `gorm:"size:50;not null;index" json:"process_type"`
	Mode             ProductionRunMode   `gorm:"size:20;not null" json:"mode"`
	Status           ProductionRunStatus `gorm:"size:20;not null;index" json:"status"`
	RecipeId         *int                `gorm:"index" json:"recipe_id"`
	LocationId       *int                `json:"location_id"`
	OutputItemId     int                 `gorm:"not null;index" json:"output_item_id"`
	PlannedOutputQty decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"planned_output_qty"`
	ChainKey         string              `gorm:"size:64;index" json:"chain_key"`
	TotalInputCost   int64               `gorm:"not null;default:0" json:"total_input_cost"`
	TotalOverhead    int64               `gorm:"not null;default:0" json:"total_overhead"`
	TotalValue       int64               `gorm:"not null;default:0" json:"total_value"`
	Notes            string              `gorm:"type:text" json:"notes"`
	CreatedBy        int                 `gorm:"index" json:"created_by"`
	CreatedByName    string              `gorm:"size:100" json:"created_by_name"`
	Version          int                 `gorm:"not null;default:1" json:"version"`
	StartedAt        *time.Time          `json:"started_at"`
	CompletedAt      *time.Time          `json:"completed_at"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductionRunStep is one stage of a run. A single-shot run has exactly one.
type ProductionRunStep struct {
	ID                int                 `gorm:"primary_key" json:"id"`
	RunId             int                 `gorm:"not null;uniqueIndex:uniq_run_step,priority:1" json:"run_id"`
	Sequence          int                 `gorm:"not null;uniqueIndex:uniq_run_step,priority:2" json:"sequence"`
	Name              string              `gorm:"size:100" json:"name"`
	Status            StepStatus          `gorm:"size:20;not null;index" json:"status"`
	OutputTarget      StepOutputTarget    `gorm:"size:10;not null" json:"output_target"`
	ExpectedInputQty  decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"expected_input_qty"`
	ExpectedOutputQty decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"expected_output_qty"`
	ExpectedYieldPct  decimal.NullDecimal `gorm:"type:decimal(9,4)" json:"expected_yield_pct"`
	ActualInputQty    decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"actual_input_qty"`
	ActualOutputQty   decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"actual_output_qty"`
	ActualYieldPct    decimal.NullDecimal `gorm:"type:decimal(9,4)" json:"actual_yield_pct"`
	VariancePct       decimal.NullDecimal `gorm:"type:decimal(9,4)" json:"variance_pct"`
	Justification     *string             `gorm:"type:text" json:"justification"`
	OutputItemId      *int                `gorm:"index" json:"output_item_id"`
	OutputLayerId     *int                `json:"output_layer_id"`
	JournalEntryId    *int                `json:"journal_entry_id"`
	Version           int                 `gorm:"not null;default:1" json:"version"`
	StartedAt         *time.Time          `json:"started_at"`
	CompletedAt       *time.Time          `json:"completed_at"`
	CreatedAt         time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductionStepMaterial is an input declared on a step before it runs.
type ProductionStepMaterial struct {
	ID     int             `gorm:"primary_key" json:"id"`
	StepId int             `gorm:"not null;index" json:"step_id"`
	ItemId int             `gorm:"not null" json:"item_id"`
	Qty    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
}

// ProductionInput records what a step actually consumed.
type ProductionInput struct {
	ID            int             `gorm:"primary_key" json:"id"`
	RunId         int             `gorm:"not null;index" json:"run_id"`
	StepId        int             `gorm:"not null;index" json:"step_id"`
	ItemId        int             `gorm:"not null;index" json:"item_id"`
	Qty           decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitCostBasis int64           `gorm:"not null" json:"unit_cost_basis"`
	TotalCost     int64           `gorm:"not null" json:"total_cost"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type ProductionOutput struct {
	ID              int             `gorm:"primary_key" json:"id"`
	RunId           int             `gorm:"not null;index" json:"run_id"`
	StepId          int             `gorm:"not null;index" json:"step_id"`
	ItemId          int             `gorm:"not null;index" json:"item_id"`
	Qty             decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	BatchNumber     string          `gorm:"size:100;not null" json:"batch_number"`
	UnitCost        int64           `gorm:"not null" json:"unit_cost"`
	TotalValue      int64           `gorm:"not null" json:"total_value"`
	RoundingResidue int64           `gorm:"not null;default:0" json:"rounding_residue"`
	LayerId         int             `gorm:"not null;index" json:"layer_id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// ProductionCost is an overhead charge (labor, machine, utilities) absorbed by a step.
type ProductionCost struct {
	ID          int       `gorm:"primary_key" json:"id"`
	RunId       int       `gorm:"not null;index" json:"run_id"`
	StepId      int       `gorm:"not null;index" json:"step_id"`
	CostType    string    `gorm:"size:50;not null" json:"cost_type"`
	Amount      int64     `gorm:"not null" json:"amount"`
	Description string    `gorm:"size:255" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func GetProductionRun(tx *gorm.DB, id int) (*ProductionRun, error) {
	var run ProductionRun
	if err := tx.First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound("production run", id)
		}
		return nil, err
	}
	return &run, nil
}

// GetRunSteps returns the steps of a run in execution order.
func GetRunSteps(tx *gorm.DB, runId int) ([]*ProductionRunStep, error) {
	var steps []*ProductionRunStep
	err := tx.Where("run_id = ?", runId).Order("sequence ASC").Find(&steps).Error
	return steps, err
}

func GetStepMaterials(tx *gorm.DB, stepId int) ([]*ProductionStepMaterial, error) {
	var materials []*ProductionStepMaterial
	err := tx.Where("step_id = ?", stepId).Order("id ASC").Find(&materials).Error
	return materials, err
}
