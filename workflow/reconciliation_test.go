package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestAuditor(db *gorm.DB) *Auditor {
	return NewAuditor(db, testLogger())
}

func setItemCache(t *testing.T, db *gorm.DB, itemId int, q int64, avg int64) {
	t.Helper()
	require.NoError(t, db.Model(&models.Item{}).Where("id = ?", itemId).Updates(map[string]interface{}{
		"quantity_on_hand": decimal.NewFromInt(q),
		"average_cost":     avg,
	}).Error)
}

func findingsFor(result *ReconciliationResult, checkType string) []*models.ReconciliationFinding {
	var out []*models.ReconciliationFinding
	for _, f := range result.Findings {
		if f.CheckType == checkType {
			out = append(out, f)
		}
	}
	return out
}

func TestAuditor_CleanBooksHaveNoFindings(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	cocoa := createItem(t, db, "Cocoa", models.ItemClassRawMaterial)
	bar := createItem(t, db, "Chocolate Bar", models.ItemClassFinishedGoods)
	receive(t, db, cocoa.ID, 10, 100, baseTime)
	receive(t, db, cocoa.ID, 5, 130, baseTime)
	_, err := engine.CommitProductionRun(context.Background(), CommitRunInput{
		RunDate:     baseTime,
		ProcessType: "temper",
		Inputs:      []RunInputLine{{ItemId: cocoa.ID, Qty: qty(12)}},
		Costs:       []RunCostLine{{CostType: "energy", Amount: 7}},
		Output:      RunOutputLine{ItemId: bar.ID, Qty: qty(7)},
	})
	require.NoError(t, err)

	result, err := newTestAuditor(db).Run(context.Background(), ReconciliationOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Findings)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, 2, result.ItemsChecked)
	assert.Equal(t, len(models.SystemAccounts()), result.AccountsChecked)
	assert.NotEmpty(t, result.CorrelationId)
}

func TestAuditor_StaleCacheIsReportedOnceAndFixedByAdmin(t *testing.T) {
	db := newTestDB(t)
	flour := createItem(t, db, "Flour", models.ItemClassRawMaterial)
	receive(t, db, flour.ID, 10, 100, baseTime)
	setItemCache(t, db, flour.ID, 7, 100)
	auditor := newTestAuditor(db)

	first, err := auditor.Run(context.Background(), ReconciliationOptions{})
	require.NoError(t, err)
	items := findingsFor(first, models.CheckTypeItemLayers)
	require.Len(t, items, 1)
	assert.Equal(t, models.DiscrepancyCacheStale, items[0].DiscrepancyType)
	assertQty(t, "7", items[0].CachedQty)
	assertQty(t, "10", items[0].LayerQty)
	assert.True(t, items[0].New)
	assert.Equal(t, 1, first.NewFindings)

	second, err := auditor.Run(context.Background(), ReconciliationOptions{})
	require.NoError(t, err)
	assert.Len(t, second.Findings, 1)
	assert.Equal(t, 0, second.NewFindings)
	assert.False(t, second.Findings[0].New)

	open, err := OpenReconciliationReports(db)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, first.CorrelationId, open[0].CorrelationId)

	_, err = auditor.Run(context.Background(), ReconciliationOptions{AutoFix: true})
	requireKind(t, err, models.ErrKindPrivilegeRequired)
	assertQty(t, "7", reloadItem(t, db, flour.ID).QuantityOnHand)

	fixed, err := auditor.Run(adminContext(), ReconciliationOptions{AutoFix: true})
	require.NoError(t, err)
	assert.Equal(t, 1, fixed.Fixed)
	assert.Equal(t, 0, fixed.Remaining)
	assert.Equal(t, 1, fixed.Resolved)
	assertQty(t, "10", reloadItem(t, db, flour.ID).QuantityOnHand)

	open, err = OpenReconciliationReports(db)
	require.NoError(t, err)
	assert.Empty(t, open)

	var history models.History
	require.NoError(t, db.Where("action_type = ? AND reference_id = ?", models.HistoryActionReconcile, flour.ID).First(&history).Error)
	assert.Equal(t, 1, history.UserId)
	assert.Equal(t, fixed.CorrelationId, history.CorrelationId)
}

func TestAuditor_MissingLayersGetAnAdjustmentLayer(t *testing.T) {
	db := newTestDB(t)
	salt := createItem(t, db, "Salt", models.ItemClassRawMaterial)
	setItemCache(t, db, salt.ID, 5, 50)
	auditor := newTestAuditor(db)

	scoped, err := auditor.Run(context.Background(), ReconciliationOptions{ItemIds: []int{salt.ID}})
	require.NoError(t, err)
	require.Len(t, scoped.Findings, 1)
	finding := scoped.Findings[0]
	assert.Equal(t, models.DiscrepancyMissingLayers, finding.DiscrepancyType)
	assert.Equal(t, int64(50), finding.SuggestedUnitCost)
	assert.Equal(t, 0, scoped.AccountsChecked)

	fixed, err := auditor.Run(adminContext(), ReconciliationOptions{AutoFix: true, ItemIds: []int{salt.ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, fixed.Fixed)
	assert.Equal(t, 0, fixed.Remaining)

	var layers []*models.InventoryLayer
	require.NoError(t, db.Where("item_id = ?", salt.ID).Find(&layers).Error)
	require.Len(t, layers, 1)
	assert.Equal(t, models.LayerSourceAdjustment, layers[0].SourceType)
	assert.Equal(t, models.QcStatusNotRequired, layers[0].QcStatus)
	assertQty(t, "5", layers[0].RemainingQty)
	assert.Equal(t, int64(50), layers[0].UnitCost)

	entries, err := models.GetJournalEntriesByKey(db, fmt.Sprintf("RECON-%d", layers[0].ID))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(250), entries[0].TotalAmount)
	assert.Equal(t, int64(250), accountBalance(t, db, models.AccountCodeRawMaterials))
	assert.Equal(t, int64(-250), accountBalance(t, db, models.AccountCodeInventoryAdjust))

	var events int64
	require.NoError(t, db.Model(&models.OutboxRecord{}).Where("event_type = ?", models.EventReconciliationFixed).Count(&events).Error)
	assert.Equal(t, int64(1), events)

	full, err := auditor.Run(context.Background(), ReconciliationOptions{})
	require.NoError(t, err)
	assert.Empty(t, full.Findings)
}

func TestAuditor_CacheAboveLayersIsResyncedWithoutNewStock(t *testing.T) {
	db := newTestDB(t)
	sugar := createItem(t, db, "Sugar", models.ItemClassRawMaterial)
	receive(t, db, sugar.ID, 10, 100, baseTime)
	setItemCache(t, db, sugar.ID, 15, 100)
	auditor := newTestAuditor(db)

	result, err := auditor.Run(context.Background(), ReconciliationOptions{ItemIds: []int{sugar.ID}})
	require.NoError(t, err)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, models.DiscrepancyCacheStale, result.Findings[0].DiscrepancyType)
	assert.Equal(t, int64(0), result.Findings[0].SuggestedUnitCost)

	fixed, err := auditor.Run(adminContext(), ReconciliationOptions{AutoFix: true, ItemIds: []int{sugar.ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, fixed.Fixed)
	assert.Equal(t, 0, fixed.Remaining)

	item := reloadItem(t, db, sugar.ID)
	assertQty(t, "10", item.QuantityOnHand)
	assert.Equal(t, int64(100), item.AverageCost)

	var layers int64
	require.NoError(t, db.Model(&models.InventoryLayer{}).Where("item_id = ?", sugar.ID).Count(&layers).Error)
	assert.Equal(t, int64(1), layers)
	assert.Equal(t, int64(1000), accountBalance(t, db, models.AccountCodeRawMaterials))
	assert.Equal(t, int64(0), accountBalance(t, db, models.AccountCodeInventoryAdjust))

	full, err := auditor.Run(context.Background(), ReconciliationOptions{})
	require.NoError(t, err)
	assert.Empty(t, full.Findings)
}

func TestAuditor_CostWithoutStockIsReset(t *testing.T) {
	db := newTestDB(t)
	honey := createItem(t, db, "Honey", models.ItemClassRawMaterial)
	setItemCache(t, db, honey.ID, 0, 70)
	auditor := newTestAuditor(db)

	result, err := auditor.Run(context.Background(), ReconciliationOptions{ItemIds: []int{honey.ID}})
	require.NoError(t, err)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, models.DiscrepancyBoth, result.Findings[0].DiscrepancyType)
	assert.Equal(t, int64(70), result.Findings[0].CachedAvgCost)

	fixed, err := auditor.Run(adminContext(), ReconciliationOptions{AutoFix: true, ItemIds: []int{honey.ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, fixed.Fixed)
	assert.Equal(t, 0, fixed.Remaining)

	item := reloadItem(t, db, honey.ID)
	assertQty(t, "0", item.QuantityOnHand)
	assert.Equal(t, int64(0), item.AverageCost)

	var layers int64
	require.NoError(t, db.Model(&models.InventoryLayer{}).Where("item_id = ?", honey.ID).Count(&layers).Error)
	assert.Equal(t, int64(0), layers)
	assert.Equal(t, int64(0), accountBalance(t, db, models.AccountCodeRawMaterials))
	assert.Equal(t, int64(0), accountBalance(t, db, models.AccountCodeInventoryAdjust))
}

func TestAuditor_FractionalConsumptionLeavesBooksClean(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	vanilla := createItem(t, db, "Vanilla", models.ItemClassRawMaterial)
	custard := createItem(t, db, "Custard", models.ItemClassFinishedGoods)
	receive(t, db, vanilla.ID, 1, 1, baseTime)

	for i := 0; i < 2; i++ {
		_, err := engine.CommitProductionRun(context.Background(), CommitRunInput{
			RunDate:     baseTime.Add(time.Duration(i+1) * time.Hour),
			ProcessType: "infuse",
			Inputs:      []RunInputLine{{ItemId: vanilla.ID, Qty: decimal.RequireFromString("0.5")}},
			Costs:       []RunCostLine{{CostType: "energy", Amount: 2}},
			Output:      RunOutputLine{ItemId: custard.ID, Qty: qty(1)},
		})
		require.NoError(t, err)
	}

	result, err := newTestAuditor(db).Run(context.Background(), ReconciliationOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Findings)
	assert.Equal(t, int64(0), accountBalance(t, db, models.AccountCodeRawMaterials))
	assert.Equal(t, int64(5), accountBalance(t, db, models.AccountCodeFinishedGoods))
}

func TestClassifyItemGap(t *testing.T) {
	tests := []struct {
		name   string
		cached int64
		avg    int64
		agg    LayerAggregate
		want   models.DiscrepancyType
	}{
		{"no layers but cached stock", 5, 50, LayerAggregate{}, models.DiscrepancyMissingLayers},
		{"layers short of cache", 5, 100, LayerAggregate{Qty: qty(3), LayerCount: 1}, models.DiscrepancyCacheStale},
		{"cache short of layers", 3, 100, LayerAggregate{Qty: qty(5), LayerCount: 2}, models.DiscrepancyCacheStale},
		{"average cost only", 5, 90, LayerAggregate{Qty: qty(5), LayerCount: 1}, models.DiscrepancyCacheStale},
		{"cost without stock", 0, 70, LayerAggregate{}, models.DiscrepancyBoth},
		{"negative cache without layers", -2, 0, LayerAggregate{}, models.DiscrepancyCacheStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := tt.agg
			assert.Equal(t, tt.want, classifyItemGap(qty(tt.cached), tt.avg, &agg))
		})
	}
}

func TestAuditor_PendingBillIsAnExpectedGap(t *testing.T) {
	db := newTestDB(t)
	purchases := NewPurchaseService(db, testLogger())
	butter := createItem(t, db, "Butter", models.ItemClassRawMaterial)
	auditor := newTestAuditor(db)

	bill, err := purchases.SubmitPurchaseBill(context.Background(), SubmitBillInput{
		BillNumber: "B-100", SupplierName: "Dairy Co", ItemId: butter.ID,
		Qty: qty(4), UnitCost: 25, BillDate: baseTime,
	})
	require.NoError(t, err)

	result, err := auditor.Run(context.Background(), ReconciliationOptions{})
	require.NoError(t, err)
	assets := findingsFor(result, models.CheckTypeAssetLayers)
	require.Len(t, assets, 1)
	assert.Equal(t, models.AccountCodeRawMaterials, assets[0].AccountCode)
	assert.Equal(t, int64(100), assets[0].Gap)
	assert.True(t, assets[0].Expected)
	assert.Equal(t, 1, assets[0].PendingBills)
	assert.Empty(t, findingsFor(result, models.CheckTypeItemLayers))

	_, err = purchases.ApprovePurchaseBill(adminContext(), bill.ID)
	require.NoError(t, err)

	after, err := auditor.Run(context.Background(), ReconciliationOptions{})
	require.NoError(t, err)
	assert.Empty(t, after.Findings)
	assert.Equal(t, 1, after.Resolved)
}

func TestAuditor_AccountBalanceDrift(t *testing.T) {
	db := newTestDB(t)
	flour := createItem(t, db, "Flour", models.ItemClassRawMaterial)
	receive(t, db, flour.ID, 2, 40, baseTime)
	require.NoError(t, db.Model(&models.GLAccount{}).Where("code = ?", models.AccountCodeAccountsPayable).
		Update("balance", 12345).Error)
	auditor := newTestAuditor(db)

	result, err := auditor.Run(context.Background(), ReconciliationOptions{})
	require.NoError(t, err)
	drift := findingsFor(result, models.CheckTypeAccountBalance)
	require.Len(t, drift, 1)
	assert.Equal(t, int64(80), drift[0].LedgerBalance)
	assert.Equal(t, int64(12345-80), drift[0].Gap)

	// An item-scoped pass leaves account reports alone.
	scoped, err := auditor.Run(context.Background(), ReconciliationOptions{ItemIds: []int{flour.ID}})
	require.NoError(t, err)
	assert.Equal(t, 0, scoped.Resolved)
	open, err := OpenReconciliationReports(db)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	fixed, err := auditor.Run(adminContext(), ReconciliationOptions{AutoFix: true})
	require.NoError(t, err)
	assert.Equal(t, 1, fixed.Fixed)
	assert.Equal(t, 0, fixed.Remaining)
	assert.Equal(t, int64(80), accountBalance(t, db, models.AccountCodeAccountsPayable))
}
