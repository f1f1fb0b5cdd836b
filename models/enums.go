package models

type ItemClass string

const (
	ItemClassRawMaterial   ItemClass = "RAW_MATERIAL"
	ItemClassWip           ItemClass = "WIP"
	ItemClassFinishedGoods ItemClass = "FINISHED_GOODS"
	ItemClassService       ItemClass = "SERVICE"
)

func (c ItemClass) IsValid() bool {
	switch c {
	case ItemClassRawMaterial, ItemClassWip, ItemClassFinishedGoods, ItemClassService:
		return true
	}
	return false
}

// Stocked reports whether the class carries inventory layers.
func (c ItemClass) Stocked() bool {
	return c != ItemClassService
}

type ValuationMethod string

const (
	ValuationMethodFIFO ValuationMethod = "FIFO"
)

type QcStatus string

const (
	QcStatusPending     QcStatus = "PENDING"
	QcStatusApproved    QcStatus = "APPROVED"
	QcStatusRejected    QcStatus = "REJECTED"
	QcStatusNotRequired QcStatus = "NOT_REQUIRED"
)

// ConsumableQcStatuses lists the QC states a layer may be depleted in.
var ConsumableQcStatuses = []QcStatus{QcStatusApproved, QcStatusNotRequired}

func (s QcStatus) Consumable() bool {
	return s == QcStatusApproved || s == QcStatusNotRequired
}

type LayerSourceType string

const (
	LayerSourcePurchaseReceipt LayerSourceType = "purchase_receipt"
	LayerSourcePurchaseBill    LayerSourceType = "purchase_bill"
	LayerSourceProductionRun   LayerSourceType = "production_run"
	LayerSourceAdjustment      LayerSourceType = "adjustment"
)

type ProductionRunStatus string

const (
	ProductionRunStatusDraft      ProductionRunStatus = "DRAFT"
	ProductionRunStatusInProgress ProductionRunStatus = "IN_PROGRESS"
	ProductionRunStatusCompleted  ProductionRunStatus = "COMPLETED"
	ProductionRunStatusCancelled  ProductionRunStatus = "CANCELLED"
)

// ProductionRunMode tells how a run was created; execution is identical.
type ProductionRunMode string

const (
	ProductionRunModeSingleShot ProductionRunMode = "SINGLE_SHOT"
	ProductionRunModeMultiStep  ProductionRunMode = "MULTI_STEP"
	ProductionRunModePlanned    ProductionRunMode = "PLANNED"
)

type StepStatus string

const (
	StepStatusPending    StepStatus = "PENDING"
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	StepStatusCompleted  StepStatus = "COMPLETED"
	StepStatusSkipped    StepStatus = "SKIPPED"
)

// StepOutputTarget is where a step's output layer lands.
type StepOutputTarget string

const (
	// StepOutputWip lands in an auto-provisioned work-in-progress item.
	StepOutputWip StepOutputTarget = "WIP"
	// StepOutputDeclared lands in the run's declared output item.
	StepOutputDeclared StepOutputTarget = "DECLARED"
)

type DependencyKind string

const (
	DependencyKindActual  DependencyKind = "ACTUAL"
	DependencyKindPlanned DependencyKind = "PLANNED"
)

type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

type NormalBalance string

const (
	NormalBalanceDebit  NormalBalance = "DEBIT"
	NormalBalanceCredit NormalBalance = "CREDIT"
)

type PurchaseBillStatus string

const (
	PurchaseBillStatusPendingApproval PurchaseBillStatus = "PENDING_APPROVAL"
	PurchaseBillStatusApproved        PurchaseBillStatus = "APPROVED"
)

type DiscrepancyType string

const (
	DiscrepancyCacheStale    DiscrepancyType = "CACHE_STALE"
	DiscrepancyMissingLayers DiscrepancyType = "MISSING_LAYERS"
	DiscrepancyBoth          DiscrepancyType = "BOTH"
)

type ReconciliationStatus string

const (
	ReconciliationStatusOpen     ReconciliationStatus = "OPEN"
	ReconciliationStatusResolved ReconciliationStatus = "RESOLVED"
)

// Reconciliation check types persisted on ReconciliationReport.CheckType.
const (
	CheckTypeItemLayers     = "ITEM_LAYERS"
	CheckTypeAccountBalance = "ACCOUNT_BALANCE"
	CheckTypeAssetLayers    = "ASSET_LAYERS"
)
