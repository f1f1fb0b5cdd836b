package workflow

import (
	"context"
	"fmt"
	"sort"
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

const reconciliationCacheKey = "reconciliation:last"

const (
	entityTypeItem    = "item"
	entityTypeAccount = "account"
)

type ReconciliationOptions struct {
	// AutoFix applies the remedies; the caller must be an admin.
	AutoFix bool
	// ItemIds narrows the item check. Account checks only run on full passes.
	ItemIds []int
}

type ReconciliationResult struct {
	CorrelationId   string                          `json:"correlation_id"`
	StartedAt       time.Time                       `json:"started_at"`
	CompletedAt     time.Time                       `json:"completed_at"`
	ItemsChecked    int                             `json:"items_checked"`
	AccountsChecked int                             `json:"accounts_checked"`
	Findings        []*models.ReconciliationFinding `json:"findings"`
	NewFindings     int                             `json:"new_findings"`
	Fixed           int                             `json:"fixed"`
	Resolved        int                             `json:"resolved"`
	// Remaining counts the discrepancies still open after fixes.
	Remaining int `json:"remaining"`
}

// Auditor compares item caches and ledger balances against the layer store.
type Auditor struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewAuditor(db *gorm.DB, logger *logrus.Logger) *Auditor {
	return &Auditor{DB: db, Logger: logger}
}

// auditScope is what one pass looked at; reports outside it are left alone.
type auditScope struct {
	itemIds      []int
	accounts     bool
	accountCount int
}

// Run performs one auditor pass. Findings are persisted as reports: an
// unchanged discrepancy is new only the first time, and reports that no longer
// reproduce are resolved.
func (a *Auditor) Run(ctx context.Context, opts ReconciliationOptions) (result *ReconciliationResult, err error) {
	ctx, span := tracer.Start(ctx, "reconciliation.Run")
	span.SetAttributes(attribute.Bool("auto_fix", opts.AutoFix), attribute.Int("items", len(opts.ItemIds)))
	defer func() { endSpan(span, err) }()

	if opts.AutoFix && !utils.IsAdmin(ctx) {
		return nil, models.NewProductionError(models.ErrKindPrivilegeRequired, "reconciliation fixes require an admin")
	}

	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
	}
	result = &ReconciliationResult{CorrelationId: correlationId, StartedAt: time.Now().UTC()}

	findings, scope, err := a.detect(ctx, opts)
	if err != nil {
		config.LogError(a.Logger, "Reconciliation.go", "Run", "detect", opts, err)
		return nil, asEngineError(err)
	}
	result.Findings = findings
	result.ItemsChecked = len(scope.itemIds)

	remaining := findings
	if opts.AutoFix && len(findings) > 0 {
		for _, f := range findings {
			a.fix(ctx, f)
			if f.Fixed {
				result.Fixed++
			}
		}
		if remaining, scope, err = a.detect(ctx, opts); err != nil {
			return nil, asEngineError(err)
		}
	}
	result.AccountsChecked = scope.accountCount

	newCount, resolved, err := a.persist(ctx, remaining, scope, correlationId)
	if err != nil {
		config.LogError(a.Logger, "Reconciliation.go", "Run", "persist findings", len(remaining), err)
		return nil, asEngineError(err)
	}
	result.NewFindings = newCount
	result.Resolved = resolved
	result.Remaining = len(remaining)
	result.CompletedAt = time.Now().UTC()

	// Only full passes are summarised; a scoped fix makes the last summary stale.
	if len(opts.ItemIds) == 0 {
		if err := config.SetRedisObject(reconciliationCacheKey, result, 24*time.Hour); err != nil {
			a.Logger.WithField("field", "reconciliation").Warn("cache last result: " + err.Error())
		}
	} else if result.Fixed > 0 {
		if err := config.RemoveRedisKey(reconciliationCacheKey); err != nil {
			a.Logger.WithField("field", "reconciliation").Warn("drop last result: " + err.Error())
		}
	}
	a.Logger.WithFields(logrus.Fields{
		"field":          "reconciliation",
		"correlation_id": correlationId,
		"findings":       len(findings),
		"new":            newCount,
		"fixed":          result.Fixed,
		"resolved":       resolved,
	}).Info("reconciliation pass finished")
	return result, nil
}

// LastReconciliation returns the cached summary of the latest pass, if any.
func LastReconciliation() (*ReconciliationResult, bool, error) {
	var result ReconciliationResult
	found, err := config.GetRedisObject(reconciliationCacheKey, &result)
	if err != nil || !found {
		return nil, false, err
	}
	return &result, true, nil
}

func (a *Auditor) detect(ctx context.Context, opts ReconciliationOptions) ([]*models.ReconciliationFinding, auditScope, error) {
	tx := a.DB.WithContext(ctx)
	scope := auditScope{accounts: len(opts.ItemIds) == 0}

	q := tx.Where("class IN ? AND is_active = ?",
		[]models.ItemClass{models.ItemClassRawMaterial, models.ItemClassWip, models.ItemClassFinishedGoods}, true)
	if len(opts.ItemIds) > 0 {
		q = q.Where("id IN ?", opts.ItemIds)
	}
	var items []*models.Item
	if err := q.Order("id ASC").Find(&items).Error; err != nil {
		return nil, scope, err
	}
	for _, it := range items {
		scope.itemIds = append(scope.itemIds, it.ID)
	}

	findings, err := checkItemCaches(tx, items)
	if err != nil {
		return nil, scope, err
	}
	if scope.accounts {
		accountFindings, count, err := checkAccounts(tx)
		if err != nil {
			return nil, scope, err
		}
		scope.accountCount = count
		findings = append(findings, accountFindings...)
	}
	return findings, scope, nil
}

// classifyItemGap names an item cache discrepancy. Layers are the source of
// truth, so any gap on an item that has layers is CACHE_STALE.
//   - MISSING_LAYERS: the cache holds stock but no layer exists.
//   - BOTH: no layer and no stock, yet the cache still carries a cost.
func classifyItemGap(cachedQty decimal.Decimal, cachedAvgCost int64, agg *LayerAggregate) models.DiscrepancyType {
	if agg.LayerCount > 0 {
		return models.DiscrepancyCacheStale
	}
	if cachedQty.GreaterThan(depletionTolerance) {
		return models.DiscrepancyMissingLayers
	}
	if cachedQty.Abs().LessThanOrEqual(depletionTolerance) && cachedAvgCost != 0 {
		return models.DiscrepancyBoth
	}
	return models.DiscrepancyCacheStale
}

func checkItemCaches(tx *gorm.DB, items []*models.Item) ([]*models.ReconciliationFinding, error) {
	ids := make([]int, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	aggregates, err := AggregateLayers(tx, ids)
	if err != nil {
		return nil, err
	}

	var findings []*models.ReconciliationFinding
	for _, item := range items {
		agg := aggregates[item.ID]
		layerAvg := agg.AverageCost()
		qtyGap := item.QuantityOnHand.Sub(agg.Qty).Abs()
		if qtyGap.LessThanOrEqual(depletionTolerance) && item.AverageCost == layerAvg {
			continue
		}
		kind := classifyItemGap(item.QuantityOnHand, item.AverageCost, agg)
		f := &models.ReconciliationFinding{
			CheckType:       models.CheckTypeItemLayers,
			EntityType:      entityTypeItem,
			EntityId:        item.ID,
			EntityName:      item.Name,
			AccountCode:     item.InventoryAccountCode,
			DiscrepancyType: kind,
			CachedQty:       item.QuantityOnHand,
			LayerQty:        utils.RoundQty(agg.Qty),
			CachedAvgCost:   item.AverageCost,
			LayerAvgCost:    layerAvg,
			LayerValue:      agg.CarryingValue,
		}
		switch kind {
		case models.DiscrepancyMissingLayers:
			f.SuggestedUnitCost = item.AverageCost
			f.Remedy = fmt.Sprintf("create an adjustment layer of %s at %d",
				item.QuantityOnHand.String(), f.SuggestedUnitCost)
		case models.DiscrepancyBoth:
			f.Remedy = "reset the item cost; no stock stands behind it"
		default:
			f.Remedy = "resynchronise the item cache from its layers"
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func checkAccounts(tx *gorm.DB) ([]*models.ReconciliationFinding, int, error) {
	ledger, err := LedgerBalanceByAccount(tx)
	if err != nil {
		return nil, 0, err
	}
	var accounts []*models.GLAccount
	if err := tx.Order("code ASC").Find(&accounts).Error; err != nil {
		return nil, 0, err
	}

	var findings []*models.ReconciliationFinding
	for _, acc := range accounts {
		if acc.Balance != ledger[acc.Code] {
			findings = append(findings, &models.ReconciliationFinding{
				CheckType:       models.CheckTypeAccountBalance,
				EntityType:      entityTypeAccount,
				EntityId:        acc.ID,
				EntityName:      acc.Name,
				AccountCode:     acc.Code,
				LedgerBalance:   ledger[acc.Code],
				ExpectedBalance: acc.Balance,
				Gap:             acc.Balance - ledger[acc.Code],
				Remedy:          "reset the cached balance to the journal total",
			})
		}
	}

	assetFindings, err := checkAssetLayers(tx, accounts, ledger)
	if err != nil {
		return nil, 0, err
	}
	return append(findings, assetFindings...), len(accounts), nil
}

// checkAssetLayers compares each inventory account's ledger balance with the
// value of the layers of the items mapped to it. Production rounding residue
// stays on the ledger and is added to the layer side.
func checkAssetLayers(tx *gorm.DB, accounts []*models.GLAccount, ledger map[string]int64) ([]*models.ReconciliationFinding, error) {
	var items []*models.Item
	if err := tx.Where("class <> ?", models.ItemClassService).Find(&items).Error; err != nil {
		return nil, err
	}
	itemIds := make([]int, 0, len(items))
	itemAccount := make(map[int]string, len(items))
	for _, it := range items {
		itemIds = append(itemIds, it.ID)
		itemAccount[it.ID] = it.InventoryAccountCode
	}
	aggregates, err := AggregateLayers(tx, itemIds)
	if err != nil {
		return nil, err
	}

	layerValue := make(map[string]int64)
	for id, agg := range aggregates {
		layerValue[itemAccount[id]] += agg.CarryingValue
	}

	var outputs []*models.ProductionOutput
	if err := tx.Select("item_id", "rounding_residue").Where("rounding_residue <> 0").Find(&outputs).Error; err != nil {
		return nil, err
	}
	residue := make(map[string]int64)
	for _, o := range outputs {
		residue[itemAccount[o.ItemId]] += o.RoundingResidue
	}

	var bills []*models.PurchaseBill
	if err := tx.Where("status = ?", models.PurchaseBillStatusPendingApproval).Find(&bills).Error; err != nil {
		return nil, err
	}
	pending := make(map[string]int)
	for _, b := range bills {
		pending[itemAccount[b.ItemId]]++
	}

	mapped := make(map[string]bool)
	for _, code := range itemAccount {
		mapped[code] = true
	}
	mapped[models.AccountCodeRawMaterials] = true
	mapped[models.AccountCodeWipInventory] = true
	mapped[models.AccountCodeFinishedGoods] = true

	var findings []*models.ReconciliationFinding
	for _, acc := range accounts {
		if acc.Type != models.AccountTypeAsset || !mapped[acc.Code] {
			continue
		}
		expected := layerValue[acc.Code] + residue[acc.Code]
		gap := ledger[acc.Code] - expected
		if gap == 0 {
			continue
		}
		f := &models.ReconciliationFinding{
			CheckType:       models.CheckTypeAssetLayers,
			EntityType:      entityTypeAccount,
			EntityId:        acc.ID,
			EntityName:      acc.Name,
			AccountCode:     acc.Code,
			LedgerBalance:   ledger[acc.Code],
			ExpectedBalance: expected,
			Gap:             gap,
			PendingBills:    pending[acc.Code],
			Expected:        pending[acc.Code] > 0,
		}
		if f.Expected {
			f.Remedy = fmt.Sprintf("approve the %d pending bill(s) to create their layers", f.PendingBills)
		} else {
			f.Remedy = "investigate postings without layers; fix item findings first"
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// fix applies one finding's remedy in its own transaction. A failed fix is
// recorded on the finding and logged; it never stops the pass.
func (a *Auditor) fix(ctx context.Context, f *models.ReconciliationFinding) {
	var err error
	switch f.CheckType {
	case models.CheckTypeItemLayers:
		err = runInTransaction(ctx, a.DB, a.Logger, "reconciliation_fix", func(tx *gorm.DB) error {
			return a.fixItem(tx, f)
		})
	case models.CheckTypeAccountBalance:
		err = runInTransaction(ctx, a.DB, a.Logger, "reconciliation_fix", func(tx *gorm.DB) error {
			return a.fixAccountBalance(tx, f)
		})
	default:
		return
	}
	if err != nil {
		f.FixError = err.Error()
		config.LogError(a.Logger, "Reconciliation.go", "fix", f.CheckType, f, err)
		return
	}
	f.Fixed = true
}

func (a *Auditor) fixItem(tx *gorm.DB, f *models.ReconciliationFinding) error {
	item, err := models.GetItem(tx, f.EntityId)
	if err != nil {
		return err
	}
	aggregates, err := AggregateLayers(tx, []int{item.ID})
	if err != nil {
		return err
	}
	agg := aggregates[item.ID]
	kind := classifyItemGap(item.QuantityOnHand, item.AverageCost, agg)

	if kind != models.DiscrepancyMissingLayers {
		if err := SyncItemCaches(tx, a.Logger, []int{item.ID}); err != nil {
			return err
		}
		return models.CreateHistory(tx, models.HistoryActionReconcile, item.ID, "item", f, nil,
			fmt.Sprintf("Item %s cache resynchronised from layers", item.Name))
	}

	gapQty := utils.RoundQty(item.QuantityOnHand)
	unitCost := item.AverageCost
	now := time.Now().UTC()
	layer, err := models.CreateInventoryLayer(tx, models.NewInventoryLayer{
		ItemId:     item.ID,
		Qty:        gapQty,
		UnitCost:   unitCost,
		ReceivedAt: now,
		QcStatus:   models.QcStatusNotRequired,
		SourceType: models.LayerSourceAdjustment,
	})
	if err != nil {
		return err
	}
	amount := utils.RoundAmount(gapQty.Mul(decimal.NewFromInt(unitCost)))
	if _, err := NewJournalBuilder(fmt.Sprintf("RECON-%d", layer.ID), models.JournalRefReconciliation, layer.ID, now,
		fmt.Sprintf("Reconciliation adjustment for %s", item.Name)).
		Debit(item.InventoryAccountCode, amount, "adjustment layer").
		Credit(models.AccountCodeInventoryAdjust, amount, "inventory adjustment").
		Post(tx, a.Logger); err != nil {
		return err
	}
	if err := SyncItemCaches(tx, a.Logger, []int{item.ID}); err != nil {
		return err
	}
	if err := models.CreateHistory(tx, models.HistoryActionReconcile, item.ID, "item", f, layer,
		fmt.Sprintf("%s: adjustment layer %s of %s @ %d created for %s", kind, layer.BatchNumber, gapQty.String(), unitCost, item.Name)); err != nil {
		return err
	}
	return models.EnqueueOutboxEvent(tx, models.EventReconciliationFixed, "item", item.ID, map[string]interface{}{
		"item_id":          item.ID,
		"discrepancy_type": kind,
		"layer_id":         layer.ID,
		"qty":              gapQty.String(),
		"unit_cost":        unitCost,
	})
}

func (a *Auditor) fixAccountBalance(tx *gorm.DB, f *models.ReconciliationFinding) error {
	ledger, err := LedgerBalanceByAccount(tx)
	if err != nil {
		return err
	}
	if err := tx.Model(&models.GLAccount{}).Where("code = ?", f.AccountCode).
		Update("balance", ledger[f.AccountCode]).Error; err != nil {
		return err
	}
	return models.CreateHistory(tx, models.HistoryActionReconcile, f.EntityId, "account", f, nil,
		fmt.Sprintf("Account %s balance reset to journal total %d", f.AccountCode, ledger[f.AccountCode]))
}

// persist stores new findings as OPEN reports and resolves OPEN reports in
// scope that no longer reproduce.
func (a *Auditor) persist(ctx context.Context, findings []*models.ReconciliationFinding, scope auditScope, correlationId string) (newCount int, resolved int, err error) {
	err = a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []*models.ReconciliationReport
		q := tx.Where("status = ?", models.ReconciliationStatusOpen)
		switch {
		case scope.accounts:
		case len(scope.itemIds) > 0:
			q = q.Where("entity_type = ? AND entity_id IN ?", entityTypeItem, scope.itemIds)
		default:
			return nil
		}
		if err := q.Find(&open).Error; err != nil {
			return err
		}
		openByFingerprint := make(map[string]*models.ReconciliationReport, len(open))
		for _, r := range open {
			openByFingerprint[r.Fingerprint] = r
		}

		seen := make(map[string]bool, len(findings))
		for _, f := range findings {
			fp := f.Fingerprint()
			seen[fp] = true
			if _, ok := openByFingerprint[fp]; ok {
				continue
			}
			f.New = true
			newCount++
			details, err := utils.MarshalToJSON(f)
			if err != nil {
				return err
			}
			report := &models.ReconciliationReport{
				CheckType:       f.CheckType,
				EntityType:      f.EntityType,
				EntityId:        f.EntityId,
				DiscrepancyType: string(f.DiscrepancyType),
				Fingerprint:     fp,
				Details:         details,
				Expected:        f.Expected,
				Status:          models.ReconciliationStatusOpen,
				CorrelationId:   correlationId,
			}
			if err := tx.Create(report).Error; err != nil {
				return err
			}
			label := f.CheckType
			if f.DiscrepancyType != "" {
				label = string(f.DiscrepancyType)
			}
			config.GetMetrics().ReconciliationFindings.WithLabelValues(label).Inc()
		}

		var stale []int
		for fp, r := range openByFingerprint {
			if !seen[fp] {
				stale = append(stale, r.ID)
			}
		}
		if len(stale) == 0 {
			return nil
		}
		sort.Ints(stale)
		now := time.Now().UTC()
		res := tx.Model(&models.ReconciliationReport{}).Where("id IN ?", stale).Updates(map[string]interface{}{
			"status":      models.ReconciliationStatusResolved,
			"resolved_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		resolved = int(res.RowsAffected)
		return nil
	})
	return newCount, resolved, err
}

// OpenReconciliationReports lists unresolved findings, newest first.
func OpenReconciliationReports(tx *gorm.DB) ([]*models.ReconciliationReport, error) {
	var reports []*models.ReconciliationReport
	err := tx.Where("status = ?", models.ReconciliationStatusOpen).Order("id DESC").Find(&reports).Error
	return reports, err
}
