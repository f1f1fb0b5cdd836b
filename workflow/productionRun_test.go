package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitProductionRun_CostsOutputAndPostsJournal(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	flour := createItem(t, db, "Flour", models.ItemClassRawMaterial)
	bread := createItem(t, db, "Bread", models.ItemClassFinishedGoods)
	receive(t, db, flour.ID, 10, 100, baseTime)

	result, err := engine.CommitProductionRun(adminContext(), CommitRunInput{
		RunDate:     baseTime.Add(time.Hour),
		ProcessType: "bake",
		Inputs:      []RunInputLine{{ItemId: flour.ID, Qty: qty(10)}},
		Costs:       []RunCostLine{{CostType: "labour", Amount: 200}},
		Output:      RunOutputLine{ItemId: bread.ID, Qty: qty(10)},
	})
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, int64(120), result.UnitCost)
	assert.Equal(t, models.ProductionRunStatusCompleted, result.Run.Status)
	assert.Equal(t, models.ProductionRunModeSingleShot, result.Run.Mode)
	assert.Equal(t, int64(1000), result.Run.TotalInputCost)
	assert.Equal(t, int64(200), result.Run.TotalOverhead)
	assert.Equal(t, int64(1200), result.Run.TotalValue)
	assert.Equal(t, models.StepStatusCompleted, result.Step.Status)
	assertQty(t, "100", result.Step.ActualYieldPct.Decimal)

	run, err := models.GetProductionRun(db, result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProductionRunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.CreatedBy)
	assert.NotNil(t, run.CompletedAt)

	layer := reloadLayer(t, db, result.Layer.ID)
	assert.Equal(t, bread.ID, layer.ItemId)
	assertQty(t, "10", layer.RemainingQty)
	assert.Equal(t, int64(120), layer.UnitCost)
	assert.Equal(t, models.LayerSourceProductionRun, layer.SourceType)
	require.NotNil(t, layer.SourceId)
	assert.Equal(t, run.ID, *layer.SourceId)
	assert.Equal(t, models.QcStatusNotRequired, layer.QcStatus, "no criteria apply so the batch is released")

	entries, err := models.GetJournalEntriesByKey(db, fmt.Sprintf("PR-%d", run.ID))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	lines := map[string][2]int64{}
	for _, l := range entries[0].Lines {
		lines[l.AccountCode] = [2]int64{l.Debit, l.Credit}
	}
	assert.Equal(t, [2]int64{1200, 0}, lines[models.AccountCodeFinishedGoods])
	assert.Equal(t, [2]int64{0, 1000}, lines[models.AccountCodeRawMaterials])
	assert.Equal(t, [2]int64{0, 200}, lines[models.AccountCodeOverheadAbsorbed])

	assert.Equal(t, int64(0), accountBalance(t, db, models.AccountCodeRawMaterials))
	assert.Equal(t, int64(1200), accountBalance(t, db, models.AccountCodeFinishedGoods))
	assert.Equal(t, int64(200), accountBalance(t, db, models.AccountCodeOverheadAbsorbed))

	assertQty(t, "0", reloadItem(t, db, flour.ID).QuantityOnHand)
	breadItem := reloadItem(t, db, bread.ID)
	assertQty(t, "10", breadItem.QuantityOnHand)
	assert.Equal(t, int64(120), breadItem.AverageCost)

	var history models.History
	require.NoError(t, db.Where("reference_type = ? AND reference_id = ? AND action_type = ?",
		"production_run", run.ID, models.HistoryActionComplete).First(&history).Error)
	assert.Equal(t, 1, history.UserId)

	var events int64
	require.NoError(t, db.Model(&models.OutboxRecord{}).
		Where("event_type = ? AND aggregate_id = ?", models.EventProductionRunCompleted, run.ID).Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestCommitProductionRun_ShortInputLeavesNothingBehind(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	var inputs []RunInputLine
	var layers []*models.InventoryLayer
	for i, stock := range []int64{10, 10, 2, 10} {
		item := createItem(t, db, fmt.Sprintf("Ingredient %d", i+1), models.ItemClassRawMaterial)
		layers = append(layers, receive(t, db, item.ID, stock, 50, baseTime))
		inputs = append(inputs, RunInputLine{ItemId: item.ID, Qty: qty(5)})
	}
	cake := createItem(t, db, "Cake", models.ItemClassFinishedGoods)

	journalsBefore := countRows(t, db, &models.JournalEntry{})
	outboxBefore := countRows(t, db, &models.OutboxRecord{})
	rawBalance := accountBalance(t, db, models.AccountCodeRawMaterials)

	_, err := engine.CommitProductionRun(context.Background(), CommitRunInput{
		RequestId:   "short-1",
		RunDate:     baseTime,
		ProcessType: "bake",
		Inputs:      inputs,
		Output:      RunOutputLine{ItemId: cake.ID, Qty: qty(1)},
	})
	pe := requireKind(t, err, models.ErrKindInsufficientInventory)
	assert.Equal(t, inputs[2].ItemId, pe.Details["item_id"])
	assert.Equal(t, "3", pe.Details["shortage"])

	for _, l := range layers {
		fresh := reloadLayer(t, db, l.ID)
		assert.True(t, l.RemainingQty.Equal(fresh.RemainingQty))
		assert.Equal(t, 1, fresh.Version)
	}
	assert.Equal(t, int64(0), countRows(t, db, &models.ProductionRun{}))
	assert.Equal(t, int64(0), countRows(t, db, &models.ProductionInput{}))
	assert.Equal(t, int64(0), countRows(t, db, &models.IdempotencyKey{}))
	assert.Equal(t, journalsBefore, countRows(t, db, &models.JournalEntry{}))
	assert.Equal(t, outboxBefore, countRows(t, db, &models.OutboxRecord{}))
	assert.Equal(t, rawBalance, accountBalance(t, db, models.AccountCodeRawMaterials))
	assertQty(t, "0", reloadItem(t, db, cake.ID).QuantityOnHand)
}

func TestCommitProductionRun_ReplaysByRequestId(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	sugar := createItem(t, db, "Sugar", models.ItemClassRawMaterial)
	syrup := createItem(t, db, "Syrup", models.ItemClassFinishedGoods)
	receive(t, db, sugar.ID, 20, 30, baseTime)

	input := CommitRunInput{
		RequestId:   "req-syrup-1",
		RunDate:     baseTime,
		ProcessType: "boil",
		Inputs:      []RunInputLine{{ItemId: sugar.ID, Qty: qty(8)}},
		Output:      RunOutputLine{ItemId: syrup.ID, Qty: qty(4)},
	}
	first, err := engine.CommitProductionRun(context.Background(), input)
	require.NoError(t, err)
	second, err := engine.CommitProductionRun(context.Background(), input)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Run.ID, second.Run.ID)
	assert.Equal(t, first.UnitCost, second.UnitCost)
	require.NotNil(t, second.Layer)
	assert.Equal(t, first.Layer.ID, second.Layer.ID)
	require.NotNil(t, second.Journal)
	assert.Equal(t, first.Journal.ID, second.Journal.ID)

	assert.Equal(t, int64(1), countRows(t, db, &models.ProductionRun{}))
	assertQty(t, "12", reloadItem(t, db, sugar.ID).QuantityOnHand)
}

func TestCommitProductionRun_ProvisionsNewOutputItem(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	t.Setenv("PRODUCTION_QC_DEFAULT", "NOT_REQUIRED")
	cream := createItem(t, db, "Cream", models.ItemClassRawMaterial)
	receive(t, db, cream.ID, 4, 250, baseTime)

	result, err := engine.CommitProductionRun(context.Background(), CommitRunInput{
		RunDate:     baseTime,
		ProcessType: "churn",
		Inputs:      []RunInputLine{{ItemId: cream.ID, Qty: qty(4)}},
		Output:      RunOutputLine{NewItemName: "  Butter ", Qty: qty(2)},
	})
	require.NoError(t, err)

	var butter models.Item
	require.NoError(t, db.Where("name = ?", "Butter").First(&butter).Error)
	assert.Equal(t, models.ItemClassFinishedGoods, butter.Class)
	assert.Equal(t, models.AccountCodeFinishedGoods, butter.InventoryAccountCode)
	assert.Equal(t, butter.ID, result.Run.OutputItemId)
	assert.Equal(t, models.QcStatusNotRequired, result.Layer.QcStatus)
	assert.Equal(t, int64(500), result.UnitCost)
}

func TestCommitProductionRun_CreditsEachInputAccount(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	flour := createItem(t, db, "Flour", models.ItemClassRawMaterial)
	dough := createItem(t, db, "Dough", models.ItemClassWip)
	pie := createItem(t, db, "Pie", models.ItemClassFinishedGoods)
	receive(t, db, flour.ID, 5, 20, baseTime)
	receive(t, db, dough.ID, 5, 60, baseTime)

	result, err := engine.CommitProductionRun(context.Background(), CommitRunInput{
		RunDate:     baseTime,
		ProcessType: "assemble",
		Inputs: []RunInputLine{
			{ItemId: flour.ID, Qty: qty(2)},
			{ItemId: dough.ID, Qty: qty(3)},
			{ItemId: flour.ID, Qty: qty(1)},
		},
		Output: RunOutputLine{ItemId: pie.ID, Qty: qty(3)},
	})
	require.NoError(t, err)

	credits := map[string]int64{}
	var debit int64
	for _, l := range result.Journal.Lines {
		credits[l.AccountCode] += l.Credit
		debit += l.Debit
	}
	assert.Equal(t, int64(60), credits[models.AccountCodeRawMaterials])
	assert.Equal(t, int64(180), credits[models.AccountCodeWipInventory])
	assert.Equal(t, int64(240), debit)
	assert.Equal(t, int64(80), result.UnitCost)
	assertQty(t, "2", reloadItem(t, db, flour.ID).QuantityOnHand)
}

func TestCommitProductionRun_KeepsRoundingResidueOnTheLedger(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	cocoa := createItem(t, db, "Cocoa", models.ItemClassRawMaterial)
	bar := createItem(t, db, "Chocolate Bar", models.ItemClassFinishedGoods)
	receive(t, db, cocoa.ID, 10, 100, baseTime)

	result, err := engine.CommitProductionRun(context.Background(), CommitRunInput{
		RunDate:     baseTime,
		ProcessType: "temper",
		Inputs:      []RunInputLine{{ItemId: cocoa.ID, Qty: qty(10)}},
		Output:      RunOutputLine{ItemId: bar.ID, Qty: qty(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(333), result.UnitCost)
	assert.Equal(t, int64(1000), result.Output.TotalValue)
	assert.Equal(t, int64(1), result.Output.RoundingResidue)
	assert.Equal(t, int64(1000), accountBalance(t, db, models.AccountCodeFinishedGoods))
}

func TestCommitProductionRun_RejectsInvalidInput(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	flour := createItem(t, db, "Flour", models.ItemClassRawMaterial)
	bread := createItem(t, db, "Bread", models.ItemClassFinishedGoods)
	delivery := createItem(t, db, "Delivery", models.ItemClassService)
	receive(t, db, flour.ID, 10, 100, baseTime)

	base := CommitRunInput{
		RunDate:     baseTime,
		ProcessType: "bake",
		Inputs:      []RunInputLine{{ItemId: flour.ID, Qty: qty(1)}},
		Output:      RunOutputLine{ItemId: bread.ID, Qty: qty(1)},
	}

	zeroOutput := base
	zeroOutput.Output = RunOutputLine{ItemId: bread.ID, Qty: qty(0)}
	_, err := engine.CommitProductionRun(context.Background(), zeroOutput)
	requireKind(t, err, models.ErrKindValidation)

	noProcess := base
	noProcess.ProcessType = "   "
	_, err = engine.CommitProductionRun(context.Background(), noProcess)
	requireKind(t, err, models.ErrKindValidation)

	unknown := base
	unknown.Inputs = []RunInputLine{{ItemId: 9999, Qty: qty(1)}}
	_, err = engine.CommitProductionRun(context.Background(), unknown)
	requireKind(t, err, models.ErrKindNotFound)

	service := base
	service.Inputs = []RunInputLine{{ItemId: delivery.ID, Qty: qty(1)}}
	_, err = engine.CommitProductionRun(context.Background(), service)
	requireKind(t, err, models.ErrKindValidation)

	assert.Equal(t, int64(0), countRows(t, db, &models.ProductionRun{}))
}
