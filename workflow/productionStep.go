package workflow

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

type RunInputLine struct {
	ItemId int             `json:"item_id" validate:"required"`
	Qty    decimal.Decimal `json:"qty" validate:"gt=0"`
}

type RunCostLine struct {
	CostType    string `json:"cost_type" validate:"required,max=50"`
	Amount      int64  `json:"amount" validate:"gte=0"`
	Description string `json:"description" validate:"max=255"`
}

// stepExecution is everything the executor needs to turn one step's inputs
// and overheads into an output layer. Single-shot runs and every step of a
// multi-step run go through it.
type stepExecution struct {
	Run            *models.ProductionRun
	Step           *models.ProductionRunStep
	Inputs         []RunInputLine
	Costs          []RunCostLine
	InputItems     map[int]*models.Item
	OutputItem     *models.Item
	OutputQty      decimal.Decimal
	QcStatus       models.QcStatus
	TransactionKey string
}

type stepOutcome struct {
	Depletions     []*DepletionResult
	TotalInputQty  decimal.Decimal
	TotalInputCost int64
	TotalOverhead  int64
	TotalValue     int64
	UnitCost       int64
	Layer          *models.InventoryLayer
	Output         *models.ProductionOutput
	Journal        *models.JournalEntry
}

func sumInputQty(inputs []RunInputLine) decimal.Decimal {
	total := decimal.Zero
	for _, in := range inputs {
		total = total.Add(in.Qty)
	}
	return total
}

func inputItemIds(inputs []RunInputLine) []int {
	ids := make([]int, 0, len(inputs))
	for _, in := range inputs {
		ids = append(ids, in.ItemId)
	}
	return utils.UniqueSlice(ids)
}

// loadInputItems fetches the items behind input lines. Inputs are never
// auto-provisioned: an unknown item is NOT_FOUND.
func loadInputItems(tx *gorm.DB, inputs []RunInputLine) (map[int]*models.Item, error) {
	ids := inputItemIds(inputs)
	if len(ids) == 0 {
		return map[int]*models.Item{}, nil
	}
	items, err := models.GetItemsByIds(tx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if !items[id].Class.Stocked() {
			return nil, models.ErrValidation("item %d is a service and cannot be consumed", id)
		}
	}
	return items, nil
}

// yieldPct is output/input × 100 at storage precision; invalid when input is zero.
func yieldPct(outputQty, inputQty decimal.Decimal) decimal.NullDecimal {
	if !inputQty.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: outputQty.Div(inputQty).Mul(hundred).Round(utils.QtyPlaces), Valid: true}
}

// expectedYieldPct prefers the explicit expectation, then the expected quantities.
func expectedYieldPct(step *models.ProductionRunStep) decimal.NullDecimal {
	if step.ExpectedYieldPct.Valid {
		return step.ExpectedYieldPct
	}
	return yieldPct(step.ExpectedOutputQty, step.ExpectedInputQty)
}

// executeStep depletes inputs, absorbs overheads, creates the output layer,
// posts the balancing journal and resyncs the touched item caches. It must run
// inside the caller's transaction.
func executeStep(tx *gorm.DB, logger *logrus.Logger, exec stepExecution) (*stepOutcome, error) {
	run, step := exec.Run, exec.Step
	outcome := &stepOutcome{TotalInputQty: decimal.Zero}
	credits := make(map[string]int64)

	for _, in := range exec.Inputs {
		depletion, err := DepleteFIFO(tx, logger, DepletionRequest{
			ItemId:        in.ItemId,
			Qty:           in.Qty,
			ConsumerRunId: run.ID,
		})
		if err != nil {
			return nil, err
		}
		cost := depletion.TotalCost()
		qty := utils.RoundQty(in.Qty)
		input := &models.ProductionInput{
			RunId:         run.ID,
			StepId:        step.ID,
			ItemId:        in.ItemId,
			Qty:           qty,
			UnitCostBasis: utils.RoundAmount(depletion.Cost.Div(qty)),
			TotalCost:     cost,
		}
		if err := tx.Create(input).Error; err != nil {
			config.LogError(logger, "ProductionStep.go", "executeStep", "create production input", input, err)
			return nil, err
		}
		outcome.Depletions = append(outcome.Depletions, depletion)
		outcome.TotalInputQty = outcome.TotalInputQty.Add(qty)
		outcome.TotalInputCost += cost
		credits[exec.InputItems[in.ItemId].InventoryAccountCode] += cost
	}

	for _, c := range exec.Costs {
		cost := &models.ProductionCost{
			RunId:       run.ID,
			StepId:      step.ID,
			CostType:    c.CostType,
			Amount:      c.Amount,
			Description: c.Description,
		}
		if err := tx.Create(cost).Error; err != nil {
			config.LogError(logger, "ProductionStep.go", "executeStep", "create production cost", cost, err)
			return nil, err
		}
		outcome.TotalOverhead += c.Amount
	}

	outputQty := utils.RoundQty(exec.OutputQty)
	if !outputQty.IsPositive() {
		return nil, models.ErrValidation("output quantity must be greater than zero")
	}
	outcome.TotalValue = outcome.TotalInputCost + outcome.TotalOverhead
	outcome.UnitCost = utils.RoundAmount(decimal.NewFromInt(outcome.TotalValue).Div(outputQty))
	layerValue := utils.RoundAmount(outputQty.Mul(decimal.NewFromInt(outcome.UnitCost)))

	now := time.Now().UTC()
	runId := run.ID
	layer, err := models.CreateInventoryLayer(tx, models.NewInventoryLayer{
		ItemId:      exec.OutputItem.ID,
		Qty:         outputQty,
		UnitCost:    outcome.UnitCost,
		ReceivedAt:  now,
		BatchNumber: models.GenerateBatchNumber(models.LayerSourceProductionRun, run.ID, exec.OutputItem.ID, now),
		QcStatus:    exec.QcStatus,
		LocationId:  run.LocationId,
		SourceType:  models.LayerSourceProductionRun,
		SourceId:    &runId,
	})
	if err != nil {
		config.LogError(logger, "ProductionStep.go", "executeStep", "create output layer", run.ID, err)
		return nil, err
	}
	outcome.Layer = layer

	output := &models.ProductionOutput{
		RunId:           run.ID,
		StepId:          step.ID,
		ItemId:          exec.OutputItem.ID,
		Qty:             outputQty,
		BatchNumber:     layer.BatchNumber,
		UnitCost:        outcome.UnitCost,
		TotalValue:      outcome.TotalValue,
		RoundingResidue: outcome.TotalValue - layerValue,
		LayerId:         layer.ID,
	}
	if err := tx.Create(output).Error; err != nil {
		config.LogError(logger, "ProductionStep.go", "executeStep", "create production output", output, err)
		return nil, err
	}
	outcome.Output = output

	journal, err := NewJournalBuilder(exec.TransactionKey, models.JournalRefProductionRun, run.ID, run.RunDate,
		fmt.Sprintf("Production %s run %d step %d", run.ProcessType, run.ID, step.Sequence)).
		Debit(exec.OutputItem.InventoryAccountCode, outcome.TotalValue, "production output").
		CreditByAccount(credits, "materials consumed").
		Credit(models.AccountCodeOverheadAbsorbed, outcome.TotalOverhead, "overhead absorbed").
		Post(tx, logger)
	if err != nil {
		return nil, err
	}
	outcome.Journal = journal

	touched := append(inputItemIds(exec.Inputs), exec.OutputItem.ID)
	if err := SyncItemCaches(tx, logger, touched); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"field":       "executeStep",
		"run_id":      run.ID,
		"step":        step.Sequence,
		"input_cost":  outcome.TotalInputCost,
		"overhead":    outcome.TotalOverhead,
		"unit_cost":   outcome.UnitCost,
		"output_item": exec.OutputItem.ID,
		"layer_id":    layer.ID,
	}).Info("production step executed")

	return outcome, nil
}

// completeStepRecord stores the step's actuals and moves it to COMPLETED.
func completeStepRecord(tx *gorm.DB, step *models.ProductionRunStep, outcome *stepOutcome, outputItemId int, actualYield, variance decimal.NullDecimal, justification *string) error {
	now := time.Now().UTC()
	changes := map[string]interface{}{
		"status":            models.StepStatusCompleted,
		"actual_input_qty":  outcome.TotalInputQty,
		"actual_output_qty": outcome.Output.Qty,
		"actual_yield_pct":  actualYield,
		"variance_pct":      variance,
		"justification":     justification,
		"output_item_id":    outputItemId,
		"output_layer_id":   outcome.Layer.ID,
		"completed_at":      now,
	}
	if outcome.Journal != nil {
		changes["journal_entry_id"] = outcome.Journal.ID
	}
	if err := models.UpdateStepWithVersion(tx, step, changes); err != nil {
		return err
	}
	step.Status = models.StepStatusCompleted
	step.ActualInputQty = outcome.TotalInputQty
	step.ActualOutputQty = outcome.Output.Qty
	step.ActualYieldPct = actualYield
	step.VariancePct = variance
	step.Justification = justification
	step.OutputItemId = &outputItemId
	step.OutputLayerId = &outcome.Layer.ID
	if outcome.Journal != nil {
		step.JournalEntryId = &outcome.Journal.ID
	}
	step.CompletedAt = &now
	return nil
}

// advanceRun adds the step's totals to the run and either opens the next step
// or completes the run. It returns true when the run completed.
func advanceRun(tx *gorm.DB, run *models.ProductionRun, steps []*models.ProductionRunStep, completed *models.ProductionRunStep, outcome *stepOutcome) (bool, error) {
	var next *models.ProductionRunStep
	for _, s := range steps {
		if s.Sequence == completed.Sequence+1 {
			next = s
			break
		}
	}

	now := time.Now().UTC()
	changes := map[string]interface{}{
		"total_input_cost": gorm.Expr("total_input_cost + ?", outcome.TotalInputCost),
		"total_overhead":   gorm.Expr("total_overhead + ?", outcome.TotalOverhead),
		"total_value":      gorm.Expr("total_value + ?", outcome.TotalValue),
	}
	if next == nil {
		changes["status"] = models.ProductionRunStatusCompleted
		changes["completed_at"] = now
	}
	if err := models.UpdateRunWithVersion(tx, run, changes); err != nil {
		return false, err
	}
	run.TotalInputCost += outcome.TotalInputCost
	run.TotalOverhead += outcome.TotalOverhead
	run.TotalValue += outcome.TotalValue

	if next == nil {
		run.Status = models.ProductionRunStatusCompleted
		run.CompletedAt = &now
		return true, nil
	}
	if err := models.UpdateStepWithVersion(tx, next, map[string]interface{}{
		"status":     models.StepStatusInProgress,
		"started_at": now,
	}); err != nil {
		return false, err
	}
	next.Status = models.StepStatusInProgress
	next.StartedAt = &now
	return false, nil
}
