package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type ChainIngredient struct {
	ItemId   int              `json:"item_id"`
	ItemName string           `json:"item_name"`
	Class    models.ItemClass `json:"class"`
	Qty      decimal.Decimal  `json:"qty"`
	// ProducedByStage is set when another stage of the chain makes this ingredient.
	ProducedByStage *int `json:"produced_by_stage,omitempty"`
}

// ChainStage is one production run of a plan. ConsumerStageId points at the
// stage that consumes this stage's output; the root stage has none.
type ChainStage struct {
	StageId         int                `json:"stage_id"`
	Depth           int                `json:"depth"`
	ItemId          int                `json:"item_id"`
	ItemName        string             `json:"item_name"`
	RecipeId        int                `json:"recipe_id"`
	ProcessType     string             `json:"process_type"`
	RequiredQty     decimal.Decimal    `json:"required_qty"`
	ScaleFactor     decimal.Decimal    `json:"scale_factor"`
	Ingredients     []*ChainIngredient `json:"ingredients"`
	ConsumerStageId *int               `json:"consumer_stage_id,omitempty"`
	RunId           *int               `json:"run_id,omitempty"`
}

type ChainWarning struct {
	ItemId    int             `json:"item_id"`
	ItemName  string          `json:"item_name"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
	Message   string          `json:"message"`
}

type ProductionChain struct {
	TargetItemId int             `json:"target_item_id"`
	TargetQty    decimal.Decimal `json:"target_qty"`
	ChainKey     string          `json:"chain_key,omitempty"`
	Stages       []*ChainStage   `json:"stages"`
	Warnings     []*ChainWarning `json:"warnings"`
}

type chainPlanner struct {
	tx       *gorm.DB
	logger   *logrus.Logger
	maxDepth int
	chain    *ProductionChain
	nextId   int
}

func circularRecipeError(path []int, itemId int) error {
	names := make([]string, 0, len(path)+1)
	for _, id := range append(append([]int{}, path...), itemId) {
		names = append(names, fmt.Sprint(id))
	}
	return models.NewProductionError(models.ErrKindCircularDependency,
		fmt.Sprintf("recipe graph contains a cycle: %s", strings.Join(names, " -> "))).
		WithDetail("path", append(append([]int{}, path...), itemId))
}

func inPath(path []int, itemId int) bool {
	for _, id := range path {
		if id == itemId {
			return true
		}
	}
	return false
}

// GenerateChain expands the recipe tree of itemId for qty into production
// stages, deepest first. Ingredients without a recipe are purchased leaves and
// only produce a warning when stock is short.
func GenerateChain(tx *gorm.DB, logger *logrus.Logger, itemId int, qty decimal.Decimal) (*ProductionChain, error) {
	qty = utils.RoundQty(qty)
	if !qty.IsPositive() {
		return nil, models.ErrValidation("target quantity must be greater than zero")
	}
	item, err := models.GetItem(tx, itemId)
	if err != nil {
		return nil, err
	}
	recipe, err := models.FindActiveRecipeForItem(tx, item.ID)
	if err != nil {
		return nil, err
	}
	if recipe == nil {
		return nil, models.ErrValidation("item %d (%s) has no active recipe", item.ID, item.Name)
	}

	p := &chainPlanner{
		tx:       tx,
		logger:   logger,
		maxDepth: config.ProductionChainMaxDepth(),
		chain:    &ProductionChain{TargetItemId: item.ID, TargetQty: qty},
	}
	if _, err := p.expand(item, recipe, qty, 0, nil, nil); err != nil {
		return nil, err
	}

	sort.SliceStable(p.chain.Stages, func(i, j int) bool {
		return p.chain.Stages[i].Depth > p.chain.Stages[j].Depth
	})
	return p.chain, nil
}

func (p *chainPlanner) expand(item *models.Item, recipe *models.Recipe, requiredQty decimal.Decimal, depth int, consumer *int, path []int) (*ChainStage, error) {
	if depth >= p.maxDepth {
		return nil, models.ErrValidation("recipe tree of item %d is deeper than %d levels", p.chain.TargetItemId, p.maxDepth)
	}
	if !recipe.NominalOutputQty.IsPositive() {
		return nil, models.ErrValidation("recipe %d has no nominal output quantity", recipe.ID)
	}
	path = append(append([]int{}, path...), item.ID)

	p.nextId++
	stage := &ChainStage{
		StageId:         p.nextId,
		Depth:           depth,
		ItemId:          item.ID,
		ItemName:        item.Name,
		RecipeId:        recipe.ID,
		ProcessType:     recipe.ProcessType,
		RequiredQty:     requiredQty,
		ScaleFactor:     requiredQty.Div(recipe.NominalOutputQty).Round(8),
		ConsumerStageId: consumer,
	}
	p.chain.Stages = append(p.chain.Stages, stage)

	ingredientIds := make([]int, 0, len(recipe.Ingredients))
	for _, ing := range recipe.Ingredients {
		ingredientIds = append(ingredientIds, ing.ItemId)
	}
	items, err := models.GetItemsByIds(p.tx, ingredientIds)
	if err != nil {
		return nil, err
	}

	for _, ing := range recipe.Ingredients {
		if inPath(path, ing.ItemId) {
			return nil, circularRecipeError(path, ing.ItemId)
		}
		ingItem := items[ing.ItemId]
		scaled := utils.RoundQty(ing.Qty.Mul(requiredQty).Div(recipe.NominalOutputQty))
		ingredient := &ChainIngredient{
			ItemId:   ingItem.ID,
			ItemName: ingItem.Name,
			Class:    ingItem.Class,
			Qty:      scaled,
		}
		stage.Ingredients = append(stage.Ingredients, ingredient)

		if ingItem.Class == models.ItemClassWip {
			subRecipe, err := models.FindActiveRecipeForItem(p.tx, ingItem.ID)
			if err != nil {
				return nil, err
			}
			if subRecipe != nil {
				child, err := p.expand(ingItem, subRecipe, scaled, depth+1, &stage.StageId, path)
				if err != nil {
					return nil, err
				}
				ingredient.ProducedByStage = &child.StageId
				continue
			}
		}
		if err := p.checkLeaf(ingItem, scaled); err != nil {
			return nil, err
		}
	}
	return stage, nil
}

func (p *chainPlanner) checkLeaf(item *models.Item, required decimal.Decimal) error {
	if !item.Class.Stocked() {
		return nil
	}
	available, err := availableQty(p.tx, item.ID)
	if err != nil {
		return err
	}
	if available.Add(depletionTolerance).LessThan(required) {
		p.logger.WithFields(logrus.Fields{
			"field":     "GenerateChain",
			"item_id":   item.ID,
			"required":  required.String(),
			"available": available.String(),
		}).Warn("chain leaf is short of stock")
		p.chain.Warnings = append(p.chain.Warnings, &ChainWarning{
			ItemId:    item.ID,
			ItemName:  item.Name,
			Required:  required,
			Available: available,
			Message:   fmt.Sprintf("insufficient %s: need %s, have %s", item.Name, required.String(), available.String()),
		})
	}
	return nil
}

// MaterializeChain turns a plan into DRAFT runs, one single-step run per
// stage, linked by PLANNED dependency edges from producer to consumer.
func MaterializeChain(tx *gorm.DB, logger *logrus.Logger, chain *ProductionChain, runDate time.Time) error {
	chain.ChainKey = uuid.NewString()
	byStage := make(map[int]*ChainStage, len(chain.Stages))

	for _, stage := range chain.Stages {
		byStage[stage.StageId] = stage
		recipeId := stage.RecipeId
		run := &models.ProductionRun{
			RunDate:          runDate.UTC(),
			ProcessType:      stage.ProcessType,
			Mode:             models.ProductionRunModePlanned,
			RecipeId:         &recipeId,
			OutputItemId:     stage.ItemId,
			PlannedOutputQty: stage.RequiredQty,
			ChainKey:         chain.ChainKey,
			Notes:            fmt.Sprintf("Planned stage %d of chain for item %d", stage.StageId, chain.TargetItemId),
		}
		plan := StepPlan{
			Name:              stage.ProcessType,
			ExpectedOutputQty: stage.RequiredQty,
		}
		for _, ing := range stage.Ingredients {
			plan.ExpectedInputQty = plan.ExpectedInputQty.Add(ing.Qty)
			plan.Materials = append(plan.Materials, RunInputLine{ItemId: ing.ItemId, Qty: ing.Qty})
		}
		if _, err := createRunWithSteps(tx, run, []StepPlan{plan}); err != nil {
			config.LogError(logger, "ProductionChain.go", "MaterializeChain", "create planned run", stage, err)
			return err
		}
		runId := run.ID
		stage.RunId = &runId

		if err := models.CreateHistory(tx, models.HistoryActionMaterialise, run.ID, "production_run", nil, run,
			fmt.Sprintf("Planned run %d for %s %s (chain %s)", run.ID, stage.RequiredQty.String(), stage.ItemName, chain.ChainKey)); err != nil {
			return err
		}
	}

	for _, stage := range chain.Stages {
		if stage.ConsumerStageId == nil {
			continue
		}
		consumer := byStage[*stage.ConsumerStageId]
		if err := models.RecordRunDependency(tx, *stage.RunId, *consumer.RunId, stage.ItemId, stage.RequiredQty, models.DependencyKindPlanned); err != nil {
			config.LogError(logger, "ProductionChain.go", "MaterializeChain", "record planned edge", stage, err)
			return err
		}
	}
	return nil
}

type PlanChainInput struct {
	ItemId      int             `json:"item_id" validate:"required"`
	Qty         decimal.Decimal `json:"qty" validate:"gt=0"`
	Materialize bool            `json:"materialize"`
	RunDate     time.Time       `json:"run_date"`
}

// PlanChain generates a chain and, on request, materializes it in the same transaction.
func (e *ProductionEngine) PlanChain(ctx context.Context, input PlanChainInput) (chain *ProductionChain, err error) {
	ctx, span := tracer.Start(ctx, "production.PlanChain")
	span.SetAttributes(attribute.Int("item_id", input.ItemId), attribute.Bool("materialize", input.Materialize))
	defer func() { endSpan(span, err) }()

	if err := models.ValidateInput(input); err != nil {
		return nil, err
	}
	if input.RunDate.IsZero() {
		input.RunDate = time.Now().UTC()
	}

	err = runInTransaction(ctx, e.DB, e.Logger, "plan_chain", func(tx *gorm.DB) error {
		c, txErr := GenerateChain(tx, e.Logger, input.ItemId, input.Qty)
		if txErr != nil {
			return txErr
		}
		if input.Materialize {
			if txErr := MaterializeChain(tx, e.Logger, c, input.RunDate); txErr != nil {
				return txErr
			}
		}
		chain = c
		return nil
	})
	if err != nil {
		return nil, asEngineError(err)
	}
	return chain, nil
}
