package workflow

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// newTestDB opens a private in-memory SQLite database with every table migrated
// and the system accounts seeded.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	t.Setenv("GORM_LOG_LEVEL", "silent")
	db, err := config.OpenLocalDatabase("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	require.NoError(t, models.MigrateTables(db))
	return db
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEngine(db *gorm.DB) *ProductionEngine {
	return &ProductionEngine{DB: db, Logger: testLogger(), Inspector: CriteriaInspector{}}
}

func adminContext() context.Context {
	ctx := utils.SetUserIdInContext(context.Background(), 1)
	ctx = utils.SetUserNameInContext(ctx, "ops")
	return utils.SetIsAdminInContext(ctx, true)
}

func qty(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func createItem(t *testing.T, db *gorm.DB, name string, class models.ItemClass) *models.Item {
	t.Helper()
	item, _, err := models.ProvisionItem(db, models.NewItem{Name: name, Class: class})
	require.NoError(t, err)
	return item
}

// receive books stock through the purchase flow so layers, caches and the
// ledger agree.
func receive(t *testing.T, db *gorm.DB, itemId int, q int64, unitCost int64, at time.Time) *models.InventoryLayer {
	t.Helper()
	result, err := NewPurchaseService(db, testLogger()).ReceivePurchase(context.Background(), ReceivePurchaseInput{
		ItemId:      itemId,
		Qty:         qty(q),
		UnitCost:    unitCost,
		ReceiveDate: at,
	})
	require.NoError(t, err)
	return result.Layer
}

// rawLayer inserts a layer directly, skipping the ledger.
func rawLayer(t *testing.T, db *gorm.DB, itemId int, q int64, unitCost int64, at time.Time, qc models.QcStatus) *models.InventoryLayer {
	t.Helper()
	layer, err := models.CreateInventoryLayer(db, models.NewInventoryLayer{
		ItemId:     itemId,
		Qty:        qty(q),
		UnitCost:   unitCost,
		ReceivedAt: at,
		QcStatus:   qc,
		SourceType: models.LayerSourcePurchaseReceipt,
	})
	require.NoError(t, err)
	return layer
}

func reloadLayer(t *testing.T, db *gorm.DB, id int) *models.InventoryLayer {
	t.Helper()
	layer, err := models.GetInventoryLayer(db, id)
	require.NoError(t, err)
	return layer
}

func reloadItem(t *testing.T, db *gorm.DB, id int) *models.Item {
	t.Helper()
	item, err := models.GetItem(db, id)
	require.NoError(t, err)
	return item
}

func accountBalance(t *testing.T, db *gorm.DB, code string) int64 {
	t.Helper()
	account, err := models.GetAccountByCode(db, code)
	require.NoError(t, err)
	return account.Balance
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func requireKind(t *testing.T, err error, kind models.ErrorKind) *models.ProductionError {
	t.Helper()
	require.Error(t, err)
	pe, ok := models.AsProductionError(err)
	require.Truef(t, ok, "expected a ProductionError, got %T: %v", err, err)
	require.Equal(t, kind, pe.Kind, pe.Error())
	return pe
}

func assertQty(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "want qty %s, got %s", want, got.String())
}
