package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceivePurchase_PostsLayerAndJournal(t *testing.T) {
	db := newTestDB(t)
	purchases := NewPurchaseService(db, testLogger())
	milk := createItem(t, db, "Milk", models.ItemClassRawMaterial)

	input := ReceivePurchaseInput{
		RequestId:   "receipt-1",
		ItemId:      milk.ID,
		Qty:         qty(8),
		UnitCost:    15,
		ReceiveDate: baseTime,
		BatchNumber: "  LOT-7 ",
	}
	result, err := purchases.ReceivePurchase(context.Background(), input)
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, "LOT-7", result.Layer.BatchNumber)
	assert.Equal(t, models.LayerSourcePurchaseReceipt, result.Layer.SourceType)
	assert.Equal(t, models.QcStatusNotRequired, result.Layer.QcStatus)
	require.NotNil(t, result.Journal)
	assert.Equal(t, fmt.Sprintf("PO-%d", result.Layer.ID), result.Journal.TransactionKey)
	assert.Equal(t, int64(120), result.Journal.TotalAmount)

	assert.Equal(t, int64(120), accountBalance(t, db, models.AccountCodeRawMaterials))
	assert.Equal(t, int64(120), accountBalance(t, db, models.AccountCodeAccountsPayable))
	item := reloadItem(t, db, milk.ID)
	assertQty(t, "8", item.QuantityOnHand)
	assert.Equal(t, int64(15), item.AverageCost)

	replay, err := purchases.ReceivePurchase(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, result.Layer.ID, replay.Layer.ID)
	require.NotNil(t, replay.Journal)
	assert.Equal(t, result.Journal.ID, replay.Journal.ID)
	assert.Equal(t, int64(1), countRows(t, db, &models.InventoryLayer{}))
	assert.Equal(t, int64(120), accountBalance(t, db, models.AccountCodeRawMaterials))
}

func TestReceivePurchase_RejectsBadInput(t *testing.T) {
	db := newTestDB(t)
	purchases := NewPurchaseService(db, testLogger())
	milk := createItem(t, db, "Milk", models.ItemClassRawMaterial)
	delivery := createItem(t, db, "Delivery", models.ItemClassService)

	_, err := purchases.ReceivePurchase(context.Background(), ReceivePurchaseInput{ItemId: delivery.ID, Qty: qty(1), UnitCost: 5, ReceiveDate: baseTime})
	requireKind(t, err, models.ErrKindValidation)

	_, err = purchases.ReceivePurchase(context.Background(), ReceivePurchaseInput{ItemId: milk.ID, Qty: qty(0), UnitCost: 5, ReceiveDate: baseTime})
	requireKind(t, err, models.ErrKindValidation)

	_, err = purchases.ReceivePurchase(context.Background(), ReceivePurchaseInput{ItemId: 404, Qty: qty(1), UnitCost: 5, ReceiveDate: baseTime})
	requireKind(t, err, models.ErrKindNotFound)

	assert.Equal(t, int64(0), countRows(t, db, &models.JournalEntry{}))
}

func TestPurchaseBill_LayerOnlyOnApproval(t *testing.T) {
	db := newTestDB(t)
	purchases := NewPurchaseService(db, testLogger())
	oil := createItem(t, db, "Oil", models.ItemClassRawMaterial)

	bill, err := purchases.SubmitPurchaseBill(context.Background(), SubmitBillInput{
		BillNumber: " B-7 ", SupplierName: "Press Ltd", ItemId: oil.ID,
		Qty: qty(3), UnitCost: 70, BillDate: baseTime,
	})
	require.NoError(t, err)
	assert.Equal(t, "B-7", bill.BillNumber)
	assert.Equal(t, models.PurchaseBillStatusPendingApproval, bill.Status)
	assert.Equal(t, int64(210), bill.Amount)
	require.NotNil(t, bill.JournalEntryId)
	assert.Equal(t, int64(0), countRows(t, db, &models.InventoryLayer{}))
	assert.Equal(t, int64(210), accountBalance(t, db, models.AccountCodeRawMaterials))

	_, err = purchases.SubmitPurchaseBill(context.Background(), SubmitBillInput{
		BillNumber: "B-7", ItemId: oil.ID, Qty: qty(1), UnitCost: 70, BillDate: baseTime,
	})
	requireKind(t, err, models.ErrKindValidation)

	approved, err := purchases.ApprovePurchaseBill(adminContext(), bill.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseBillStatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, 1, *approved.ApprovedBy)
	require.NotNil(t, approved.LayerId)

	layer := reloadLayer(t, db, *approved.LayerId)
	assert.Equal(t, models.LayerSourcePurchaseBill, layer.SourceType)
	require.NotNil(t, layer.SourceId)
	assert.Equal(t, bill.ID, *layer.SourceId)
	assertQty(t, "3", layer.RemainingQty)
	assertQty(t, "3", reloadItem(t, db, oil.ID).QuantityOnHand)
	assert.Equal(t, int64(210), accountBalance(t, db, models.AccountCodeRawMaterials), "approval does not post again")

	_, err = purchases.ApprovePurchaseBill(adminContext(), bill.ID)
	requireKind(t, err, models.ErrKindInvalidState)

	_, err = purchases.ApprovePurchaseBill(adminContext(), 999)
	requireKind(t, err, models.ErrKindNotFound)
}
