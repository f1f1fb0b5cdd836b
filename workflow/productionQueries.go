package workflow

import (
	"strings"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRunPageSize = 20
	maxRunPageSize     = 100
)

type ListRunsFilter struct {
	Status      models.ProductionRunStatus `form:"status"`
	ProcessType string                     `form:"process_type"`
	ChainKey    string                     `form:"chain_key"`
	After       *string                    `form:"after"`
	Limit       int                        `form:"limit"`
}

type RunPage struct {
	Runs     []*models.ProductionRun `json:"runs"`
	PageInfo models.PageInfo         `json:"page_info"`
}

// ListRuns pages through runs newest first. The cursor is the (run_date, id)
// of the last row of the previous page.
func ListRuns(tx *gorm.DB, filter ListRunsFilter) (*RunPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunPageSize
	}
	if limit > maxRunPageSize {
		limit = maxRunPageSize
	}

	q := tx.Model(&models.ProductionRun{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if pt := strings.TrimSpace(filter.ProcessType); pt != "" {
		q = q.Where("process_type = ?", pt)
	}
	if filter.ChainKey != "" {
		q = q.Where("chain_key = ?", filter.ChainKey)
	}
	if at, id := models.DecodeCompositeCursor(filter.After); id > 0 {
		q = q.Where("run_date < ? OR (run_date = ? AND id < ?)", at, at, id)
	}

	var runs []*models.ProductionRun
	if err := q.Order("run_date DESC, id DESC").Limit(limit + 1).Find(&runs).Error; err != nil {
		return nil, err
	}
	hasNext := len(runs) > limit
	if hasNext {
		runs = runs[:limit]
	}

	page := &RunPage{Runs: runs, PageInfo: models.PageInfo{HasNextPage: &hasNext}}
	if len(runs) > 0 {
		first, last := runs[0], runs[len(runs)-1]
		page.PageInfo.StartCursor = models.EncodeCompositeCursor(first.RunDate, first.ID)
		page.PageInfo.EndCursor = models.EncodeCompositeCursor(last.RunDate, last.ID)
	}
	return page, nil
}

// GetRunDetailCached serves completed runs from redis. Completed runs no
// longer change, so only they are cached.
func GetRunDetailCached(tx *gorm.DB, logger *logrus.Logger, runId int) (*RunDetail, error) {
	cached, err := utils.RetrieveRedis[RunDetail](runId)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "GetRunDetailCached", "run_id": runId}).Warn("run cache read failed: " + err.Error())
	}
	if cached != nil {
		return cached, nil
	}

	detail, err := GetRunDetail(tx, runId)
	if err != nil {
		return nil, err
	}
	if detail.Run.Status == models.ProductionRunStatusCompleted {
		if err := utils.StoreRedis(detail, runId); err != nil {
			config.LogError(logger, "ProductionQueries.go", "GetRunDetailCached", "cache run detail", runId, err)
		}
	}
	return detail, nil
}
