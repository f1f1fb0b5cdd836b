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
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const handlerCommitRun = "production.commit_run"

// ProductionEngine runs production commits and the multi-step state machine.
type ProductionEngine struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Inspector QualityInspector
	Locker    ItemLocker
	// PostingLocks defaults to MySQL advisory locks on DB.
	PostingLocks PostingLocker
}

func NewProductionEngine(db *gorm.DB, logger *logrus.Logger) *ProductionEngine {
	return &ProductionEngine{
		DB:        db,
		Logger:    logger,
		Inspector: &CriteriaInspector{},
		Locker:    NewRedisItemLocker(logger),
	}
}

type RunOutputLine struct {
	// ItemId of an existing item, or 0 with NewItemName to create a finished good.
	ItemId      int             `json:"item_id" validate:"required_without=NewItemName"`
	NewItemName string          `json:"new_item_name" validate:"max=150"`
	Qty         decimal.Decimal `json:"qty" validate:"gt=0"`
}

type CommitRunInput struct {
	RequestId     string         `json:"request_id" validate:"max=255"`
	RunDate       time.Time      `json:"run_date" validate:"required"`
	ProcessType   string         `json:"process_type" validate:"required,max=50"`
	RecipeId      *int           `json:"recipe_id"`
	LocationId    *int           `json:"location_id"`
	Notes         string         `json:"notes"`
	Inputs        []RunInputLine `json:"inputs" validate:"dive"`
	Costs         []RunCostLine  `json:"costs" validate:"dive"`
	Output        RunOutputLine  `json:"output"`
	QcNotRequired bool           `json:"qc_not_required"`
}

type RunResult struct {
	Run        *models.ProductionRun     `json:"run"`
	Step       *models.ProductionRunStep `json:"step"`
	Output     *models.ProductionOutput  `json:"output"`
	Layer      *models.InventoryLayer    `json:"layer"`
	Journal    *models.JournalEntry      `json:"journal"`
	Depletions []*DepletionResult        `json:"depletions,omitempty"`
	UnitCost   int64                     `json:"unit_cost"`
	Replayed   bool                      `json:"replayed"`
}

func (e *ProductionEngine) qcStatusFor(notRequired bool) models.QcStatus {
	if notRequired {
		return models.QcStatusNotRequired
	}
	return models.QcStatus(config.ProductionQcDefault())
}

func (e *ProductionEngine) lockItems(ctx context.Context, itemIds []int) func() {
	if e.Locker == nil {
		return func() {}
	}
	return e.Locker.LockItems(ctx, itemIds)
}

func (e *ProductionEngine) acquirePostingLocks(ctx context.Context, itemIds []int) (func(), error) {
	locker := e.PostingLocks
	if locker == nil {
		locker = AdvisoryPostingLocker{DB: e.DB}
	}
	return locker.AcquirePostingLocks(ctx, itemIds)
}

// ensureAvailable checks every input's consumable quantity before anything is
// mutated, so the usual shortage fails without touching a single row.
func ensureAvailable(tx *gorm.DB, inputs []RunInputLine) error {
	required := make(map[int]decimal.Decimal)
	for _, in := range inputs {
		required[in.ItemId] = required[in.ItemId].Add(utils.RoundQty(in.Qty))
	}
	for _, id := range inputItemIds(inputs) {
		layers, err := getConsumableLayers(tx, id)
		if err != nil {
			return err
		}
		available := sumRemaining(layers)
		if available.Add(depletionTolerance).LessThan(required[id]) {
			config.GetMetrics().InsufficientStock.Inc()
			return insufficientInventoryError(id, required[id], available)
		}
	}
	return nil
}

func normaliseCommitRunInput(input *CommitRunInput) error {
	input.ProcessType = strings.TrimSpace(input.ProcessType)
	input.Output.NewItemName = strings.TrimSpace(input.Output.NewItemName)
	if err := models.ValidateInput(input); err != nil {
		return err
	}
	if !utils.RoundQty(input.Output.Qty).IsPositive() {
		return models.ErrValidation("output quantity must be greater than zero")
	}
	for i, in := range input.Inputs {
		if !utils.RoundQty(in.Qty).IsPositive() {
			return models.ErrValidation("input %d quantity rounds to zero", i)
		}
	}
	return nil
}

// CommitProductionRun finalises a single-shot run in one transaction: inputs are
// depleted FIFO, overheads absorbed, the output layer created and the entry
// PR-<runId> posted. The run is a one-step run of the step state machine.
func (e *ProductionEngine) CommitProductionRun(ctx context.Context, input CommitRunInput) (result *RunResult, err error) {
	ctx, span := tracer.Start(ctx, "production.CommitProductionRun")
	defer func() { endSpan(span, err) }()
	started := time.Now()

	if err := normaliseCommitRunInput(&input); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("process_type", input.ProcessType),
		attribute.Int("inputs", len(input.Inputs)),
	)

	touched := inputItemIds(input.Inputs)
	if input.Output.ItemId > 0 {
		touched = append(touched, input.Output.ItemId)
	}
	release := e.lockItems(ctx, touched)
	defer release()
	releasePosting, err := e.acquirePostingLocks(ctx, touched)
	if err != nil {
		config.LogError(e.Logger, "ProductionRun.go", "CommitProductionRun", "acquire posting locks", touched, err)
		return nil, asEngineError(err)
	}

	err = runInTransaction(ctx, e.DB, e.Logger, "commit_run", func(tx *gorm.DB) error {
		r, txErr := e.commitRunTx(tx, input)
		result = r
		return txErr
	})
	releasePosting()
	if err != nil {
		config.GetMetrics().ProductionFailures.WithLabelValues("commit_run").Inc()
		config.LogError(e.Logger, "ProductionRun.go", "CommitProductionRun", "commit", input, err)
		return nil, asEngineError(err)
	}
	config.GetMetrics().CommitDuration.Observe(time.Since(started).Seconds())
	if result.Replayed {
		return result, nil
	}
	config.GetMetrics().ProductionCommits.WithLabelValues("single_shot").Inc()
	span.SetAttributes(attribute.Int("run_id", result.Run.ID))

	e.afterStepCommit(ctx, result.Layer)
	return result, nil
}

func (e *ProductionEngine) commitRunTx(tx *gorm.DB, input CommitRunInput) (*RunResult, error) {
	logger := e.Logger
	if input.RequestId != "" {
		existing, err := BeginIdempotency(tx, handlerCommitRun, input.RequestId)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			result, err := loadRunResult(tx, existing.ResultRef)
			if err != nil {
				return nil, err
			}
			result.Replayed = true
			return result, nil
		}
	}

	inputItems, err := loadInputItems(tx, input.Inputs)
	if err != nil {
		return nil, err
	}
	if err := ensureAvailable(tx, input.Inputs); err != nil {
		return nil, err
	}

	var outputItem *models.Item
	if input.Output.ItemId > 0 {
		outputItem, err = models.GetItem(tx, input.Output.ItemId)
		if err != nil {
			return nil, err
		}
		if !outputItem.Class.Stocked() {
			return nil, models.ErrValidation("output item %d is a service", outputItem.ID)
		}
	} else {
		outputItem, _, err = models.ProvisionItem(tx, models.NewItem{
			Name:  input.Output.NewItemName,
			Class: models.ItemClassFinishedGoods,
		})
		if err != nil {
			config.LogError(logger, "ProductionRun.go", "commitRunTx", "ProvisionItem", input.Output, err)
			return nil, err
		}
	}

	now := time.Now().UTC()
	run := &models.ProductionRun{
		RunDate:          input.RunDate.UTC(),
		ProcessType:      input.ProcessType,
		Mode:             models.ProductionRunModeSingleShot,
		Status:           models.ProductionRunStatusInProgress,
		RecipeId:         input.RecipeId,
		LocationId:       input.LocationId,
		OutputItemId:     outputItem.ID,
		PlannedOutputQty: utils.RoundQty(input.Output.Qty),
		Notes:            input.Notes,
		Version:          1,
		StartedAt:        &now,
	}
	setRunActor(tx, run)
	if err := tx.Create(run).Error; err != nil {
		config.LogError(logger, "ProductionRun.go", "commitRunTx", "create run", run, err)
		return nil, err
	}
	step := &models.ProductionRunStep{
		RunId:             run.ID,
		Sequence:          1,
		Name:              input.ProcessType,
		Status:            models.StepStatusInProgress,
		OutputTarget:      models.StepOutputDeclared,
		ExpectedInputQty:  sumInputQty(input.Inputs),
		ExpectedOutputQty: utils.RoundQty(input.Output.Qty),
		Version:           1,
		StartedAt:         &now,
	}
	if err := tx.Create(step).Error; err != nil {
		config.LogError(logger, "ProductionRun.go", "commitRunTx", "create step", step, err)
		return nil, err
	}

	outcome, err := executeStep(tx, logger, stepExecution{
		Run:            run,
		Step:           step,
		Inputs:         input.Inputs,
		Costs:          input.Costs,
		InputItems:     inputItems,
		OutputItem:     outputItem,
		OutputQty:      input.Output.Qty,
		QcStatus:       e.qcStatusFor(input.QcNotRequired),
		TransactionKey: fmt.Sprintf("PR-%d", run.ID),
	})
	if err != nil {
		return nil, err
	}

	actualYield := yieldPct(outcome.Output.Qty, outcome.TotalInputQty)
	if err := completeStepRecord(tx, step, outcome, outputItem.ID, actualYield, decimal.NullDecimal{}, nil); err != nil {
		return nil, err
	}
	if _, err := advanceRun(tx, run, []*models.ProductionRunStep{step}, step, outcome); err != nil {
		return nil, err
	}

	if err := models.CreateHistory(tx, models.HistoryActionComplete, run.ID, "production_run", nil, run,
		fmt.Sprintf("Production run %d completed: %s %s @ %d", run.ID, outcome.Output.Qty.String(), outputItem.Name, outcome.UnitCost)); err != nil {
		return nil, err
	}
	if err := models.EnqueueOutboxEvent(tx, models.EventProductionRunCompleted, "production_run", run.ID, runCompletedPayload(run, outcome)); err != nil {
		return nil, err
	}
	if input.RequestId != "" {
		if err := MarkIdempotencySucceeded(tx, handlerCommitRun, input.RequestId, run.ID); err != nil {
			return nil, err
		}
	}

	return &RunResult{
		Run:        run,
		Step:       step,
		Output:     outcome.Output,
		Layer:      outcome.Layer,
		Journal:    outcome.Journal,
		Depletions: outcome.Depletions,
		UnitCost:   outcome.UnitCost,
	}, nil
}

func setRunActor(tx *gorm.DB, run *models.ProductionRun) {
	ctx := tx.Statement.Context
	if userId, ok := utils.GetUserIdFromContext(ctx); ok {
		run.CreatedBy = userId
	}
	if userName, ok := utils.GetUserNameFromContext(ctx); ok {
		run.CreatedByName = userName
	}
}

func runCompletedPayload(run *models.ProductionRun, outcome *stepOutcome) map[string]interface{} {
	return map[string]interface{}{
		"run_id":         run.ID,
		"process_type":   run.ProcessType,
		"output_item_id": outcome.Output.ItemId,
		"output_qty":     outcome.Output.Qty.String(),
		"batch_number":   outcome.Output.BatchNumber,
		"unit_cost":      outcome.UnitCost,
		"total_value":    run.TotalValue,
	}
}

// loadRunResult rebuilds the result of an already committed single-shot run.
func loadRunResult(tx *gorm.DB, runId int) (*RunResult, error) {
	run, err := models.GetProductionRun(tx, runId)
	if err != nil {
		return nil, err
	}
	result := &RunResult{Run: run}
	steps, err := models.GetRunSteps(tx, runId)
	if err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		result.Step = steps[len(steps)-1]
	}
	var output models.ProductionOutput
	if err := tx.Where("run_id = ?", runId).Order("id DESC").First(&output).Error; err == nil {
		result.Output = &output
		result.UnitCost = output.UnitCost
		if layer, err := models.GetInventoryLayer(tx, output.LayerId); err == nil {
			result.Layer = layer
		}
	}
	if entries, err := models.GetJournalEntriesByKey(tx, fmt.Sprintf("PR-%d", runId)); err == nil && len(entries) > 0 {
		result.Journal = entries[0]
	}
	return result, nil
}

// afterStepCommit runs the best-effort post-commit work for a new output layer.
// Failures are logged; the committed production is never rolled back.
func (e *ProductionEngine) afterStepCommit(ctx context.Context, layer *models.InventoryLayer) {
	if layer == nil || layer.QcStatus != models.QcStatusPending {
		return
	}
	if err := e.applyInspectionDecision(ctx, layer.ID); err != nil {
		config.LogError(e.Logger, "ProductionRun.go", "afterStepCommit", "quality inspection check", layer.ID, err)
	}
}
