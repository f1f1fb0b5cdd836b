package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PostingLocker serialises posting per item. The returned release runs after
// the posting transaction has committed, so the lock covers the commit.
type PostingLocker interface {
	AcquirePostingLocks(ctx context.Context, itemIds []int) (release func(), err error)
}

// AdvisoryPostingLocker takes MySQL GET_LOCK locks on a pooled connection of
// its own, held until release. Locks are taken in ascending item order.
// Other dialects rely on row locks only.
type AdvisoryPostingLocker struct {
	DB *gorm.DB
}

func (l AdvisoryPostingLocker) AcquirePostingLocks(ctx context.Context, itemIds []int) (func(), error) {
	noop := func() {}
	if l.DB == nil || l.DB.Dialector.Name() != "mysql" {
		return noop, nil
	}
	ids := utils.UniqueSlice(itemIds)
	if len(ids) == 0 {
		return noop, nil
	}
	sort.Ints(ids)

	sqlDB, err := l.DB.DB()
	if err != nil {
		return noop, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return noop, err
	}

	var held []string
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			var released sql.NullInt64
			_ = conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", held[i]).Scan(&released)
		}
		_ = conn.Close()
	}
	for _, id := range ids {
		lockName := fmt.Sprintf("posting:item:%d", id)
		var ok sql.NullInt64
		if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 30)", lockName).Scan(&ok); err != nil {
			release()
			return noop, err
		}
		if !ok.Valid || ok.Int64 != 1 {
			release()
			return noop, fmt.Errorf("could not acquire posting lock for item_id=%d", id)
		}
		held = append(held, lockName)
	}
	return release, nil
}

// ItemLocker provides best-effort cross-instance mutual exclusion per item.
type ItemLocker interface {
	LockItems(ctx context.Context, itemIds []int) (release func())
}

// RedisItemLocker uses redislock. A lock that cannot be obtained is logged and
// the caller proceeds: correctness comes from row versions, the lock only
// reduces conflict retries.
type RedisItemLocker struct {
	Client *redislock.Client
	Logger *logrus.Logger
	TTL    time.Duration
}

func NewRedisItemLocker(logger *logrus.Logger) *RedisItemLocker {
	return &RedisItemLocker{Client: config.GetRedisLock(), Logger: logger, TTL: 30 * time.Second}
}

func (l *RedisItemLocker) LockItems(ctx context.Context, itemIds []int) func() {
	if l == nil || l.Client == nil {
		return func() {}
	}
	ids := utils.UniqueSlice(itemIds)
	sort.Ints(ids)

	var locks []*redislock.Lock
	for _, id := range ids {
		key := fmt.Sprintf("inventory:item:%d", id)
		lock, err := l.Client.Obtain(ctx, key, l.TTL, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
		})
		if errors.Is(err, redislock.ErrNotObtained) {
			l.Logger.WithFields(logrus.Fields{
				"field":   "RedisItemLocker",
				"item_id": id,
			}).Warn("item lock not obtained; proceeding on row versions")
			continue
		} else if err != nil {
			config.LogError(l.Logger, "PostingLock.go", "LockItems", "obtain item lock", id, err)
			continue
		}
		locks = append(locks, lock)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			_ = locks[i].Release(context.Background())
		}
	}
}
