package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// recordingPostingLocker notes what was locked and whether the posting
// transaction still held a connection when the locks were released.
type recordingPostingLocker struct {
	db            *gorm.DB
	acquired      []int
	released      bool
	inUseAtUnlock int
}

func (l *recordingPostingLocker) AcquirePostingLocks(ctx context.Context, itemIds []int) (func(), error) {
	l.acquired = append(l.acquired, itemIds...)
	return func() {
		sqlDB, err := l.db.DB()
		if err == nil {
			l.inUseAtUnlock = sqlDB.Stats().InUse
		}
		l.released = true
	}, nil
}

func TestCommitProductionRun_ReleasesPostingLocksAfterCommit(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	locks := &recordingPostingLocker{db: db, inUseAtUnlock: -1}
	engine.PostingLocks = locks
	f := newBakery(t, engine)

	_, err := engine.CommitProductionRun(context.Background(), CommitRunInput{
		RunDate:     baseTime,
		ProcessType: "bake",
		Inputs:      []RunInputLine{{ItemId: f.flour.ID, Qty: qty(4)}, {ItemId: f.sugar.ID, Qty: qty(1)}},
		Output:      RunOutputLine{ItemId: f.cake.ID, Qty: qty(2)},
	})
	require.NoError(t, err)

	assert.True(t, locks.released)
	assert.Equal(t, 0, locks.inUseAtUnlock)
	assert.ElementsMatch(t, []int{f.flour.ID, f.sugar.ID, f.cake.ID}, locks.acquired)
}

func TestCommitProductionRun_ReleasesPostingLocksOnFailure(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	locks := &recordingPostingLocker{db: db, inUseAtUnlock: -1}
	engine.PostingLocks = locks
	f := newBakery(t, engine)

	_, err := engine.CommitProductionRun(context.Background(), CommitRunInput{
		RunDate:     baseTime,
		ProcessType: "bake",
		Inputs:      []RunInputLine{{ItemId: f.flour.ID, Qty: qty(400)}},
		Output:      RunOutputLine{ItemId: f.cake.ID, Qty: qty(2)},
	})
	require.Error(t, err)
	assert.True(t, locks.released)
	assert.Equal(t, 0, locks.inUseAtUnlock)
}

func TestCompleteStep_LocksStepMaterialsOutsideTheTransaction(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(db)
	f := newBakery(t, engine)
	ctx := context.Background()

	planned, err := engine.CreateMultiStepRun(ctx, twoStepRun(f))
	require.NoError(t, err)
	_, err = engine.StartRun(ctx, planned.Run.ID)
	require.NoError(t, err)

	locks := &recordingPostingLocker{db: db, inUseAtUnlock: -1}
	engine.PostingLocks = locks
	_, err = engine.CompleteStep(ctx, CompleteStepInput{RunId: planned.Run.ID, Sequence: 1, ActualOutputQty: qty(9)})
	require.NoError(t, err)

	assert.True(t, locks.released)
	assert.Equal(t, 0, locks.inUseAtUnlock)
	assert.Contains(t, locks.acquired, f.flour.ID)
	assert.Contains(t, locks.acquired, f.cake.ID)
}

func TestAdvisoryPostingLocker_NoopOutsideMySQL(t *testing.T) {
	db := newTestDB(t)
	release, err := AdvisoryPostingLocker{DB: db}.AcquirePostingLocks(context.Background(), []int{3, 1, 3})
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}
