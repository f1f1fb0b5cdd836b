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

const handlerReceivePurchase = "inventory.receive_purchase"

// PurchaseService books purchased stock: layers, supplier liability and caches.
type PurchaseService struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewPurchaseService(db *gorm.DB, logger *logrus.Logger) *PurchaseService {
	return &PurchaseService{DB: db, Logger: logger}
}

type ReceivePurchaseInput struct {
	RequestId   string          `json:"request_id" validate:"max=255"`
	ItemId      int             `json:"item_id" validate:"required"`
	Qty         decimal.Decimal `json:"qty" validate:"gt=0"`
	UnitCost    int64           `json:"unit_cost" validate:"gte=0"`
	ReceiveDate time.Time       `json:"receive_date" validate:"required"`
	LocationId  *int            `json:"location_id"`
	BatchNumber string          `json:"batch_number" validate:"max=100"`
}

type ReceiptResult struct {
	Layer    *models.InventoryLayer `json:"layer"`
	Journal  *models.JournalEntry   `json:"journal"`
	Replayed bool                   `json:"replayed"`
}

type SubmitBillInput struct {
	BillNumber   string          `json:"bill_number" validate:"required,max=50"`
	SupplierName string          `json:"supplier_name" validate:"max=150"`
	ItemId       int             `json:"item_id" validate:"required"`
	Qty          decimal.Decimal `json:"qty" validate:"gt=0"`
	UnitCost     int64           `json:"unit_cost" validate:"gte=0"`
	BillDate     time.Time       `json:"bill_date" validate:"required"`
}

func stockedItem(tx *gorm.DB, itemId int) (*models.Item, error) {
	item, err := models.GetItem(tx, itemId)
	if err != nil {
		return nil, err
	}
	if !item.Class.Stocked() {
		return nil, models.ErrValidation("item %d is a service and carries no stock", item.ID)
	}
	return item, nil
}

// ReceivePurchase books a direct receipt: one layer, Dr inventory / Cr accounts
// payable and the item cache, all in one transaction.
func (s *PurchaseService) ReceivePurchase(ctx context.Context, input ReceivePurchaseInput) (result *ReceiptResult, err error) {
	ctx, span := tracer.Start(ctx, "inventory.ReceivePurchase")
	span.SetAttributes(attribute.Int("item_id", input.ItemId))
	defer func() { endSpan(span, err) }()

	input.BatchNumber = strings.TrimSpace(input.BatchNumber)
	if err := models.ValidateInput(input); err != nil {
		return nil, err
	}
	qty := utils.RoundQty(input.Qty)
	if !qty.IsPositive() {
		return nil, models.ErrValidation("quantity must be greater than zero")
	}

	err = runInTransaction(ctx, s.DB, s.Logger, "receive_purchase", func(tx *gorm.DB) error {
		if input.RequestId != "" {
			existing, txErr := BeginIdempotency(tx, handlerReceivePurchase, input.RequestId)
			if txErr != nil {
				return txErr
			}
			if existing != nil {
				layer, txErr := models.GetInventoryLayer(tx, existing.ResultRef)
				if txErr != nil {
					return txErr
				}
				result = &ReceiptResult{Layer: layer, Replayed: true}
				if entries, txErr := models.GetJournalEntriesByKey(tx, fmt.Sprintf("PO-%d", layer.ID)); txErr == nil && len(entries) > 0 {
					result.Journal = entries[0]
				}
				return nil
			}
		}

		item, txErr := stockedItem(tx, input.ItemId)
		if txErr != nil {
			return txErr
		}
		layer, txErr := models.CreateInventoryLayer(tx, models.NewInventoryLayer{
			ItemId:      item.ID,
			Qty:         qty,
			UnitCost:    input.UnitCost,
			ReceivedAt:  input.ReceiveDate.UTC(),
			BatchNumber: input.BatchNumber,
			QcStatus:    models.QcStatusNotRequired,
			LocationId:  input.LocationId,
			SourceType:  models.LayerSourcePurchaseReceipt,
		})
		if txErr != nil {
			config.LogError(s.Logger, "PurchaseReceipt.go", "ReceivePurchase", "create layer", input, txErr)
			return txErr
		}

		amount := utils.RoundAmount(qty.Mul(decimal.NewFromInt(input.UnitCost)))
		journal, txErr := NewJournalBuilder(fmt.Sprintf("PO-%d", layer.ID), models.JournalRefPurchase, layer.ID, input.ReceiveDate,
			fmt.Sprintf("Purchase receipt of %s %s", qty.String(), item.Name)).
			Debit(item.InventoryAccountCode, amount, "inventory received").
			Credit(models.AccountCodeAccountsPayable, amount, "supplier liability").
			Post(tx, s.Logger)
		if txErr != nil {
			return txErr
		}
		if txErr := SyncItemCaches(tx, s.Logger, []int{item.ID}); txErr != nil {
			return txErr
		}
		if txErr := models.CreateHistory(tx, models.HistoryActionCreate, layer.ID, "inventory_layer", nil, layer,
			fmt.Sprintf("Received %s %s @ %d", qty.String(), item.Name, input.UnitCost)); txErr != nil {
			return txErr
		}
		if txErr := models.EnqueueOutboxEvent(tx, models.EventPurchaseReceived, "inventory_layer", layer.ID, map[string]interface{}{
			"layer_id":  layer.ID,
			"item_id":   item.ID,
			"qty":       qty.String(),
			"unit_cost": input.UnitCost,
		}); txErr != nil {
			return txErr
		}
		if input.RequestId != "" {
			if txErr := MarkIdempotencySucceeded(tx, handlerReceivePurchase, input.RequestId, layer.ID); txErr != nil {
				return txErr
			}
		}
		result = &ReceiptResult{Layer: layer, Journal: journal}
		return nil
	})
	if err != nil {
		return nil, asEngineError(err)
	}
	return result, nil
}

// SubmitPurchaseBill records a supplier bill awaiting approval and posts
// bill-<id>. No layer exists until ApprovePurchaseBill.
func (s *PurchaseService) SubmitPurchaseBill(ctx context.Context, input SubmitBillInput) (bill *models.PurchaseBill, err error) {
	ctx, span := tracer.Start(ctx, "inventory.SubmitPurchaseBill")
	defer func() { endSpan(span, err) }()

	input.BillNumber = strings.TrimSpace(input.BillNumber)
	if err := models.ValidateInput(input); err != nil {
		return nil, err
	}
	qty := utils.RoundQty(input.Qty)
	if !qty.IsPositive() {
		return nil, models.ErrValidation("quantity must be greater than zero")
	}

	err = runInTransaction(ctx, s.DB, s.Logger, "submit_bill", func(tx *gorm.DB) error {
		item, txErr := stockedItem(tx, input.ItemId)
		if txErr != nil {
			return txErr
		}
		var count int64
		if txErr := tx.Model(&models.PurchaseBill{}).Where("bill_number = ?", input.BillNumber).Count(&count).Error; txErr != nil {
			return txErr
		}
		if count > 0 {
			return models.ErrValidation("bill %s already exists", input.BillNumber)
		}

		b := &models.PurchaseBill{
			BillNumber:   input.BillNumber,
			SupplierName: input.SupplierName,
			ItemId:       item.ID,
			Qty:          qty,
			UnitCost:     input.UnitCost,
			Amount:       utils.RoundAmount(qty.Mul(decimal.NewFromInt(input.UnitCost))),
			BillDate:     input.BillDate.UTC(),
			Status:       models.PurchaseBillStatusPendingApproval,
		}
		if txErr := tx.Create(b).Error; txErr != nil {
			config.LogError(s.Logger, "PurchaseReceipt.go", "SubmitPurchaseBill", "create bill", input, txErr)
			return txErr
		}
		journal, txErr := NewJournalBuilder(fmt.Sprintf("bill-%d", b.ID), models.JournalRefPurchaseBill, b.ID, b.BillDate,
			fmt.Sprintf("Bill %s from %s", b.BillNumber, b.SupplierName)).
			Debit(item.InventoryAccountCode, b.Amount, "inventory billed").
			Credit(models.AccountCodeAccountsPayable, b.Amount, "supplier liability").
			Post(tx, s.Logger)
		if txErr != nil {
			return txErr
		}
		if journal != nil {
			if txErr := tx.Model(b).Update("journal_entry_id", journal.ID).Error; txErr != nil {
				return txErr
			}
			b.JournalEntryId = &journal.ID
		}
		if txErr := models.CreateHistory(tx, models.HistoryActionCreate, b.ID, "purchase_bill", nil, b,
			fmt.Sprintf("Bill %s submitted for approval", b.BillNumber)); txErr != nil {
			return txErr
		}
		bill = b
		return nil
	})
	if err != nil {
		return nil, asEngineError(err)
	}
	return bill, nil
}

// ApprovePurchaseBill creates the bill's FIFO layer. The ledger side was
// booked on submission, so only layers and the item cache move here.
func (s *PurchaseService) ApprovePurchaseBill(ctx context.Context, billId int) (bill *models.PurchaseBill, err error) {
	ctx, span := tracer.Start(ctx, "inventory.ApprovePurchaseBill")
	span.SetAttributes(attribute.Int("bill_id", billId))
	defer func() { endSpan(span, err) }()

	err = runInTransaction(ctx, s.DB, s.Logger, "approve_bill", func(tx *gorm.DB) error {
		b, txErr := models.GetPurchaseBill(tx, billId)
		if txErr != nil {
			return txErr
		}
		if b.Status != models.PurchaseBillStatusPendingApproval {
			return models.ErrInvalidState("bill %s is %s", b.BillNumber, b.Status)
		}
		before := *b

		sourceId := b.ID
		layer, txErr := models.CreateInventoryLayer(tx, models.NewInventoryLayer{
			ItemId:     b.ItemId,
			Qty:        b.Qty,
			UnitCost:   b.UnitCost,
			ReceivedAt: b.BillDate,
			QcStatus:   models.QcStatusNotRequired,
			SourceType: models.LayerSourcePurchaseBill,
			SourceId:   &sourceId,
		})
		if txErr != nil {
			return txErr
		}

		now := time.Now().UTC()
		changes := map[string]interface{}{
			"status":      models.PurchaseBillStatusApproved,
			"layer_id":    layer.ID,
			"approved_at": now,
		}
		if userId, ok := utils.GetUserIdFromContext(ctx); ok {
			changes["approved_by"] = userId
			b.ApprovedBy = &userId
		}
		res := tx.Model(&models.PurchaseBill{}).
			Where("id = ? AND status = ?", b.ID, models.PurchaseBillStatusPendingApproval).
			Updates(changes)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrConcurrentUpdate("purchase bill", b.ID)
		}
		b.Status = models.PurchaseBillStatusApproved
		b.LayerId = &layer.ID
		b.ApprovedAt = &now

		if txErr := SyncItemCaches(tx, s.Logger, []int{b.ItemId}); txErr != nil {
			return txErr
		}
		if txErr := models.CreateHistory(tx, models.HistoryActionApprove, b.ID, "purchase_bill", before, b,
			fmt.Sprintf("Bill %s approved, layer %s created", b.BillNumber, layer.BatchNumber)); txErr != nil {
			return txErr
		}
		if txErr := models.EnqueueOutboxEvent(tx, models.EventPurchaseReceived, "inventory_layer", layer.ID, map[string]interface{}{
			"layer_id": layer.ID,
			"item_id":  b.ItemId,
			"bill_id":  b.ID,
			"qty":      b.Qty.String(),
		}); txErr != nil {
			return txErr
		}
		bill = b
		return nil
	})
	if err != nil {
		return nil, asEngineError(err)
	}
	return bill, nil
}
