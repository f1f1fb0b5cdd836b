package workflow

import (
	"context"
	"testing"

	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func holdClass(t *testing.T, db *gorm.DB, class models.ItemClass) {
	t.Helper()
	active := true
	require.NoError(t, db.Create(&models.InspectionCriteria{
		Name:      "hold " + string(class),
		ItemClass: &class,
		IsActive:  &active,
	}).Error)
}

// produceHeld runs one single-shot production of jam while finished goods are held for inspection.
func produceHeld(t *testing.T, db *gorm.DB, engine *ProductionEngine) (*models.Item, *models.InventoryLayer) {
	t.Helper()
	holdClass(t, db, models.ItemClassFinishedGoods)
	berries := createItem(t, db, "Berries", models.ItemClassRawMaterial)
	jam := createItem(t, db, "Jam", models.ItemClassFinishedGoods)
	receive(t, db, berries.ID, 6, 50, baseTime)

	result, err := engine.CommitProductionRun(context.Background(), CommitRunInput{
		RunDate:     baseTime,
		ProcessType: "boil",
		Inputs:      []RunInputLine{{ItemId: berries.ID, Qty: qty(6)}},
		Output:      RunOutputLine{ItemId: jam.ID, Qty: qty(3)},
	})
	require.NoError(t, err)
	return jam, reloadLayer(t, db, result.Layer.ID)
}

func TestQualityControl_HeldBatchIsNotConsumable(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	jam, layer := produceHeld(t, db, engine)
	assert.Equal(t, models.QcStatusPending, layer.QcStatus)

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := DepleteFIFO(tx, testLogger(), DepletionRequest{ItemId: jam.ID, Qty: qty(1)})
		return err
	})
	pe := requireKind(t, err, models.ErrKindInsufficientInventory)
	assert.Equal(t, "0", pe.Details["available"])

	released, err := engine.ReleaseBatch(adminContext(), ReleaseBatchInput{LayerId: layer.ID, Status: models.QcStatusApproved, Reason: "lab passed"})
	require.NoError(t, err)
	assert.Equal(t, models.QcStatusApproved, released.QcStatus)

	var history models.History
	require.NoError(t, db.Where("action_type = ? AND reference_id = ?", models.HistoryActionQcRelease, layer.ID).First(&history).Error)
	assert.Equal(t, 1, history.UserId)

	var events int64
	require.NoError(t, db.Model(&models.OutboxRecord{}).Where("event_type = ?", models.EventLayerQcReleased).Count(&events).Error)
	assert.Equal(t, int64(1), events)

	err = db.Transaction(func(tx *gorm.DB) error {
		depletion, err := DepleteFIFO(tx, testLogger(), DepletionRequest{ItemId: jam.ID, Qty: qty(1)})
		if err == nil {
			assert.Equal(t, int64(100), depletion.TotalCost())
		}
		return err
	})
	require.NoError(t, err)

	_, err = engine.ReleaseBatch(adminContext(), ReleaseBatchInput{LayerId: layer.ID, Status: models.QcStatusRejected})
	requireKind(t, err, models.ErrKindInvalidState)
}

func TestQualityControl_RejectKeepsBatchOutOfStock(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	jam, layer := produceHeld(t, db, engine)

	rejected, err := engine.ReleaseBatch(context.Background(), ReleaseBatchInput{LayerId: layer.ID, Status: models.QcStatusRejected, Reason: "mould"})
	require.NoError(t, err)
	assert.Equal(t, models.QcStatusRejected, rejected.QcStatus)

	var history models.History
	require.NoError(t, db.Where("action_type = ? AND reference_id = ?", models.HistoryActionQcReject, layer.ID).First(&history).Error)
	assert.Contains(t, history.Description, "mould")

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := DepleteFIFO(tx, testLogger(), DepletionRequest{ItemId: jam.ID, Qty: qty(1)})
		return err
	})
	requireKind(t, err, models.ErrKindInsufficientInventory)
}

func TestQualityControl_RejectsInvalidDecisions(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	_, layer := produceHeld(t, db, engine)

	_, err := engine.ReleaseBatch(context.Background(), ReleaseBatchInput{LayerId: layer.ID, Status: models.QcStatusPending})
	requireKind(t, err, models.ErrKindValidation)

	_, err = engine.ReleaseBatch(context.Background(), ReleaseBatchInput{LayerId: 999, Status: models.QcStatusApproved})
	requireKind(t, err, models.ErrKindNotFound)
	assert.Equal(t, models.QcStatusPending, reloadLayer(t, db, layer.ID).QcStatus)
}

func TestCriteriaInspector_MatchesItemOrClass(t *testing.T) {
	db := newTestDB(t)
	salt := createItem(t, db, "Salt", models.ItemClassRawMaterial)
	sugar := createItem(t, db, "Sugar", models.ItemClassRawMaterial)
	active := true
	require.NoError(t, db.Create(&models.InspectionCriteria{Name: "salt purity", ItemId: &salt.ID, IsActive: &active}).Error)
	inactive := false
	class := models.ItemClassRawMaterial
	require.NoError(t, db.Create(&models.InspectionCriteria{Name: "retired", ItemClass: &class, IsActive: &inactive}).Error)

	inspector := CriteriaInspector{}
	held, err := inspector.InspectionRequired(db, &models.InventoryLayer{ItemId: salt.ID}, salt)
	require.NoError(t, err)
	assert.True(t, held)

	held, err = inspector.InspectionRequired(db, &models.InventoryLayer{ItemId: sugar.ID}, sugar)
	require.NoError(t, err)
	assert.False(t, held)
}
