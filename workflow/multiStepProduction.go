package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StepPlan struct {
	Name              string           `json:"name" validate:"required,max=100"`
	ExpectedInputQty  decimal.Decimal  `json:"expected_input_qty" validate:"gte=0"`
	ExpectedOutputQty decimal.Decimal  `json:"expected_output_qty" validate:"gte=0"`
	ExpectedYieldPct  *decimal.Decimal `json:"expected_yield_pct"`
	Materials         []RunInputLine   `json:"materials" validate:"dive"`
}

type MultiStepRunInput struct {
	RunDate           time.Time       `json:"run_date" validate:"required"`
	ProcessType       string          `json:"process_type" validate:"required,max=50"`
	RecipeId          *int            `json:"recipe_id"`
	LocationId        *int            `json:"location_id"`
	Notes             string          `json:"notes"`
	OutputItemId      int             `json:"output_item_id" validate:"required_without=NewOutputItemName"`
	NewOutputItemName string          `json:"new_output_item_name" validate:"max=150"`
	PlannedOutputQty  decimal.Decimal `json:"planned_output_qty" validate:"gte=0"`
	Steps             []StepPlan      `json:"steps" validate:"required,min=1,dive"`
}

type CompleteStepInput struct {
	RunId           int             `json:"run_id" validate:"required"`
	Sequence        int             `json:"sequence" validate:"required,gte=1"`
	ActualOutputQty decimal.Decimal `json:"actual_output_qty" validate:"gt=0"`
	// Inputs replace the step's declared materials when non-empty.
	Inputs        []RunInputLine `json:"inputs" validate:"dive"`
	Costs         []RunCostLine  `json:"costs" validate:"dive"`
	Justification string         `json:"justification"`
	QcNotRequired bool           `json:"qc_not_required"`
}

type StepResult struct {
	Run          *models.ProductionRun     `json:"run"`
	Step         *models.ProductionRunStep `json:"step"`
	NextStep     *models.ProductionRunStep `json:"next_step,omitempty"`
	Output       *models.ProductionOutput  `json:"output"`
	Layer        *models.InventoryLayer    `json:"layer"`
	Journal      *models.JournalEntry      `json:"journal"`
	RunCompleted bool                      `json:"run_completed"`
}

type RunDetail struct {
	Run     *models.ProductionRun       `json:"run"`
	Steps   []*models.ProductionRunStep `json:"steps"`
	Inputs  []*models.ProductionInput   `json:"inputs"`
	Outputs []*models.ProductionOutput  `json:"outputs"`
	Costs   []*models.ProductionCost    `json:"costs"`
}

// createRunWithSteps inserts a DRAFT run with PENDING steps and their declared materials.
// The last step lands in the declared output item, every other step in WIP.
func createRunWithSteps(tx *gorm.DB, run *models.ProductionRun, plans []StepPlan) ([]*models.ProductionRunStep, error) {
	run.Status = models.ProductionRunStatusDraft
	run.Version = 1
	setRunActor(tx, run)
	if err := tx.Create(run).Error; err != nil {
		return nil, err
	}

	steps := make([]*models.ProductionRunStep, 0, len(plans))
	for i, plan := range plans {
		target := models.StepOutputWip
		if i == len(plans)-1 {
			target = models.StepOutputDeclared
		}
		step := &models.ProductionRunStep{
			RunId:             run.ID,
			Sequence:          i + 1,
			Name:              strings.TrimSpace(plan.Name),
			Status:            models.StepStatusPending,
			OutputTarget:      target,
			ExpectedInputQty:  utils.RoundQty(plan.ExpectedInputQty),
			ExpectedOutputQty: utils.RoundQty(plan.ExpectedOutputQty),
			Version:           1,
		}
		if plan.ExpectedYieldPct != nil {
			step.ExpectedYieldPct = decimal.NullDecimal{Decimal: plan.ExpectedYieldPct.Round(utils.QtyPlaces), Valid: true}
		}
		if err := tx.Create(step).Error; err != nil {
			return nil, err
		}
		for _, m := range plan.Materials {
			material := &models.ProductionStepMaterial{StepId: step.ID, ItemId: m.ItemId, Qty: utils.RoundQty(m.Qty)}
			if err := tx.Create(material).Error; err != nil {
				return nil, err
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// CreateMultiStepRun plans a DRAFT run. Nothing is consumed until its steps complete.
func (e *ProductionEngine) CreateMultiStepRun(ctx context.Context, input MultiStepRunInput) (detail *RunDetail, err error) {
	ctx, span := tracer.Start(ctx, "production.CreateMultiStepRun")
	defer func() { endSpan(span, err) }()

	input.ProcessType = strings.TrimSpace(input.ProcessType)
	input.NewOutputItemName = strings.TrimSpace(input.NewOutputItemName)
	if err := models.ValidateInput(input); err != nil {
		return nil, err
	}

	err = runInTransaction(ctx, e.DB, e.Logger, "create_multi_step", func(tx *gorm.DB) error {
		var outputItem *models.Item
		var txErr error
		if input.OutputItemId > 0 {
			outputItem, txErr = models.GetItem(tx, input.OutputItemId)
		} else {
			outputItem, _, txErr = models.ProvisionItem(tx, models.NewItem{Name: input.NewOutputItemName, Class: models.ItemClassFinishedGoods})
		}
		if txErr != nil {
			return txErr
		}
		for _, plan := range input.Steps {
			if _, txErr := loadInputItems(tx, plan.Materials); txErr != nil {
				return txErr
			}
		}

		run := &models.ProductionRun{
			RunDate:          input.RunDate.UTC(),
			ProcessType:      input.ProcessType,
			Mode:             models.ProductionRunModeMultiStep,
			RecipeId:         input.RecipeId,
			LocationId:       input.LocationId,
			OutputItemId:     outputItem.ID,
			PlannedOutputQty: utils.RoundQty(input.PlannedOutputQty),
			Notes:            input.Notes,
		}
		steps, txErr := createRunWithSteps(tx, run, input.Steps)
		if txErr != nil {
			config.LogError(e.Logger, "MultiStepProduction.go", "CreateMultiStepRun", "createRunWithSteps", input, txErr)
			return txErr
		}
		if txErr := models.CreateHistory(tx, models.HistoryActionCreate, run.ID, "production_run", nil, run,
			fmt.Sprintf("Multi-step run %d planned with %d steps", run.ID, len(steps))); txErr != nil {
			return txErr
		}
		detail = &RunDetail{Run: run, Steps: steps}
		return nil
	})
	if err != nil {
		return nil, asEngineError(err)
	}
	return detail, nil
}

// StartRun moves a DRAFT run to IN_PROGRESS and opens its first step.
func (e *ProductionEngine) StartRun(ctx context.Context, runId int) (detail *RunDetail, err error) {
	ctx, span := tracer.Start(ctx, "production.StartRun")
	span.SetAttributes(attribute.Int("run_id", runId))
	defer func() { endSpan(span, err) }()

	err = runInTransaction(ctx, e.DB, e.Logger, "start_run", func(tx *gorm.DB) error {
		run, txErr := models.GetProductionRun(tx, runId)
		if txErr != nil {
			return txErr
		}
		if run.Status != models.ProductionRunStatusDraft {
			return models.ErrInvalidState("run %d is %s, only DRAFT runs can be started", run.ID, run.Status)
		}
		steps, txErr := models.GetRunSteps(tx, run.ID)
		if txErr != nil {
			return txErr
		}
		if len(steps) == 0 {
			return models.ErrInvalidState("run %d has no steps", run.ID)
		}

		now := time.Now().UTC()
		if txErr := models.UpdateRunWithVersion(tx, run, map[string]interface{}{
			"status":     models.ProductionRunStatusInProgress,
			"started_at": now,
		}); txErr != nil {
			return txErr
		}
		run.Status = models.ProductionRunStatusInProgress
		run.StartedAt = &now

		if txErr := models.UpdateStepWithVersion(tx, steps[0], map[string]interface{}{
			"status":     models.StepStatusInProgress,
			"started_at": now,
		}); txErr != nil {
			return txErr
		}
		steps[0].Status = models.StepStatusInProgress
		steps[0].StartedAt = &now

		if txErr := models.CreateHistory(tx, models.HistoryActionStart, run.ID, "production_run", nil, run,
			fmt.Sprintf("Production run %d started", run.ID)); txErr != nil {
			return txErr
		}
		if txErr := models.EnqueueOutboxEvent(tx, models.EventProductionRunStarted, "production_run", run.ID, map[string]interface{}{
			"run_id": run.ID,
			"steps":  len(steps),
		}); txErr != nil {
			return txErr
		}
		detail = &RunDetail{Run: run, Steps: steps}
		return nil
	})
	if err != nil {
		return nil, asEngineError(err)
	}
	return detail, nil
}

// stepInputs resolves what a step consumes: explicit inputs or the declared
// materials, plus the previous step's WIP output when it is not already listed.
func stepInputs(tx *gorm.DB, steps []*models.ProductionRunStep, step *models.ProductionRunStep, explicit []RunInputLine) ([]RunInputLine, error) {
	var inputs []RunInputLine
	if len(explicit) > 0 {
		inputs = append(inputs, explicit...)
	} else {
		materials, err := models.GetStepMaterials(tx, step.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range materials {
			inputs = append(inputs, RunInputLine{ItemId: m.ItemId, Qty: m.Qty})
		}
	}

	if step.Sequence > 1 {
		prev := steps[step.Sequence-2]
		if prev.OutputTarget == models.StepOutputWip && prev.OutputItemId != nil && prev.ActualOutputQty.IsPositive() {
			listed := false
			for _, in := range inputs {
				if in.ItemId == *prev.OutputItemId {
					listed = true
					break
				}
			}
			if !listed {
				inputs = append([]RunInputLine{{ItemId: *prev.OutputItemId, Qty: prev.ActualOutputQty}}, inputs...)
			}
		}
	}
	return inputs, nil
}

// CompleteStep executes the IN_PROGRESS step n of a run and advances the state
// machine. A yield outside the variance tolerance needs a justification.
func (e *ProductionEngine) CompleteStep(ctx context.Context, input CompleteStepInput) (result *StepResult, err error) {
	ctx, span := tracer.Start(ctx, "production.CompleteStep")
	span.SetAttributes(attribute.Int("run_id", input.RunId), attribute.Int("sequence", input.Sequence))
	defer func() { endSpan(span, err) }()
	started := time.Now()

	input.Justification = strings.TrimSpace(input.Justification)
	if err := models.ValidateInput(input); err != nil {
		return nil, err
	}
	if !utils.RoundQty(input.ActualOutputQty).IsPositive() {
		return nil, models.ErrValidation("output quantity must be greater than zero")
	}

	touched := e.stepLockItems(ctx, input)
	release := e.lockItems(ctx, touched)
	defer release()
	releasePosting, err := e.acquirePostingLocks(ctx, touched)
	if err != nil {
		config.LogError(e.Logger, "MultiStepProduction.go", "CompleteStep", "acquire posting locks", touched, err)
		return nil, asEngineError(err)
	}

	err = runInTransaction(ctx, e.DB, e.Logger, "complete_step", func(tx *gorm.DB) error {
		r, txErr := e.completeStepTx(tx, input)
		result = r
		return txErr
	})
	releasePosting()
	if err != nil {
		config.GetMetrics().ProductionFailures.WithLabelValues("complete_step").Inc()
		if !models.IsKind(err, models.ErrKindVarianceNeedsReason) {
			config.LogError(e.Logger, "MultiStepProduction.go", "CompleteStep", "complete step", input, err)
		}
		return nil, asEngineError(err)
	}
	config.GetMetrics().ProductionCommits.WithLabelValues("step").Inc()
	config.GetMetrics().CommitDuration.Observe(time.Since(started).Seconds())

	e.afterStepCommit(ctx, result.Layer)
	return result, nil
}

// stepLockItems resolves the items a step completion will move, read outside
// the transaction. Lookup failures are left for the transaction to report.
func (e *ProductionEngine) stepLockItems(ctx context.Context, input CompleteStepInput) []int {
	tx := e.DB.WithContext(ctx)
	ids := inputItemIds(input.Inputs)
	var run models.ProductionRun
	if err := tx.First(&run, input.RunId).Error; err != nil {
		return ids
	}
	if run.OutputItemId > 0 {
		ids = append(ids, run.OutputItemId)
	}
	if len(input.Inputs) > 0 {
		return ids
	}
	steps, err := models.GetRunSteps(tx, run.ID)
	if err != nil || input.Sequence < 1 || input.Sequence > len(steps) {
		return ids
	}
	inputs, err := stepInputs(tx, steps, steps[input.Sequence-1], nil)
	if err != nil {
		return ids
	}
	return append(ids, inputItemIds(inputs)...)
}

func (e *ProductionEngine) completeStepTx(tx *gorm.DB, input CompleteStepInput) (*StepResult, error) {
	logger := e.Logger
	var run models.ProductionRun
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&run, input.RunId).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, models.ErrNotFound("production run", input.RunId)
		}
		return nil, err
	}
	if run.Status != models.ProductionRunStatusInProgress {
		return nil, models.ErrInvalidState("run %d is %s, steps complete only while IN_PROGRESS", run.ID, run.Status)
	}
	steps, err := models.GetRunSteps(tx, run.ID)
	if err != nil {
		return nil, err
	}
	if input.Sequence > len(steps) {
		return nil, models.ErrNotFound("production step", input.Sequence)
	}
	step := steps[input.Sequence-1]
	if step.Status != models.StepStatusInProgress {
		return nil, models.ErrInvalidState("step %d of run %d is %s, not IN_PROGRESS", step.Sequence, run.ID, step.Status)
	}

	inputs, err := stepInputs(tx, steps, step, input.Inputs)
	if err != nil {
		return nil, err
	}
	totalIn := sumInputQty(inputs)
	if !totalIn.IsPositive() {
		return nil, models.ErrValidation("step %d has no inputs to consume", step.Sequence)
	}

	outputQty := utils.RoundQty(input.ActualOutputQty)
	actualYield := yieldPct(outputQty, totalIn)
	variance := decimal.NullDecimal{}
	if expected := expectedYieldPct(step); expected.Valid {
		variance = decimal.NullDecimal{Decimal: actualYield.Decimal.Sub(expected.Decimal).Abs(), Valid: true}
		tolerance := config.ProductionVarianceTolerancePct()
		if variance.Decimal.GreaterThan(tolerance) && input.Justification == "" {
			return nil, models.NewProductionError(models.ErrKindVarianceNeedsReason, "yield variance exceeds tolerance; a justification is required").
				WithDetail("run_id", run.ID).
				WithDetail("sequence", step.Sequence).
				WithDetail("expected_yield_pct", expected.Decimal.String()).
				WithDetail("actual_yield_pct", actualYield.Decimal.String()).
				WithDetail("variance_pct", variance.Decimal.String()).
				WithDetail("tolerance_pct", tolerance.String())
		}
	}

	inputItems, err := loadInputItems(tx, inputs)
	if err != nil {
		return nil, err
	}
	if err := ensureAvailable(tx, inputs); err != nil {
		return nil, err
	}

	var outputItem *models.Item
	if step.OutputTarget == models.StepOutputDeclared {
		outputItem, err = models.GetItem(tx, run.OutputItemId)
	} else {
		outputItem, _, err = models.ProvisionItem(tx, models.NewItem{
			Name:  models.WipItemName(run.ProcessType, step.Sequence),
			Class: models.ItemClassWip,
		})
	}
	if err != nil {
		config.LogError(logger, "MultiStepProduction.go", "completeStepTx", "resolve output item", step, err)
		return nil, err
	}

	outcome, err := executeStep(tx, logger, stepExecution{
		Run:            &run,
		Step:           step,
		Inputs:         inputs,
		Costs:          input.Costs,
		InputItems:     inputItems,
		OutputItem:     outputItem,
		OutputQty:      outputQty,
		QcStatus:       e.qcStatusFor(input.QcNotRequired),
		TransactionKey: fmt.Sprintf("PR-%d-%d", run.ID, step.Sequence),
	})
	if err != nil {
		return nil, err
	}

	if err := completeStepRecord(tx, step, outcome, outputItem.ID, actualYield, variance, utils.NilIfEmpty(input.Justification)); err != nil {
		return nil, err
	}
	runCompleted, err := advanceRun(tx, &run, steps, step, outcome)
	if err != nil {
		return nil, err
	}

	description := fmt.Sprintf("Step %d of run %d completed: %s %s", step.Sequence, run.ID, outcome.Output.Qty.String(), outputItem.Name)
	if input.Justification != "" {
		description += "; variance justification: " + input.Justification
	}
	if err := models.CreateHistory(tx, models.HistoryActionComplete, step.ID, "production_step", nil, step, description); err != nil {
		return nil, err
	}
	if err := models.EnqueueOutboxEvent(tx, models.EventProductionStepCompleted, "production_run", run.ID, map[string]interface{}{
		"run_id":       run.ID,
		"sequence":     step.Sequence,
		"output_item":  outputItem.ID,
		"output_qty":   outcome.Output.Qty.String(),
		"batch_number": outcome.Output.BatchNumber,
		"unit_cost":    outcome.UnitCost,
	}); err != nil {
		return nil, err
	}
	if runCompleted {
		if err := models.CreateHistory(tx, models.HistoryActionComplete, run.ID, "production_run", nil, run,
			fmt.Sprintf("Production run %d completed after %d steps", run.ID, len(steps))); err != nil {
			return nil, err
		}
		if err := models.EnqueueOutboxEvent(tx, models.EventProductionRunCompleted, "production_run", run.ID, runCompletedPayload(&run, outcome)); err != nil {
			return nil, err
		}
	}

	result := &StepResult{
		Run:          &run,
		Step:         step,
		Output:       outcome.Output,
		Layer:        outcome.Layer,
		Journal:      outcome.Journal,
		RunCompleted: runCompleted,
	}
	if !runCompleted {
		result.NextStep = steps[step.Sequence]
	}
	return result, nil
}

// GetRunDetail loads a run with its steps and recorded lines.
func GetRunDetail(tx *gorm.DB, runId int) (*RunDetail, error) {
	run, err := models.GetProductionRun(tx, runId)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Run: run}
	if detail.Steps, err = models.GetRunSteps(tx, runId); err != nil {
		return nil, err
	}
	if err := tx.Where("run_id = ?", runId).Order("id ASC").Find(&detail.Inputs).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("run_id = ?", runId).Order("id ASC").Find(&detail.Outputs).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("run_id = ?", runId).Order("id ASC").Find(&detail.Costs).Error; err != nil {
		return nil, err
	}
	return detail, nil
}
