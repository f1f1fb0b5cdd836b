package workflow

import (
	"time"

	"github.com/mmdatafocus/mfg_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrIdempotencyInProgress = models.ErrInvalidState("request is already being processed")

// BeginIdempotency claims (handlerName, requestId) inside tx. It returns the
// stored key when the request already SUCCEEDED so the caller can replay its
// result; nil means the caller owns the request. Because the claim lives in the
// caller's transaction, a rolled-back attempt leaves nothing behind.
func BeginIdempotency(tx *gorm.DB, handlerName, requestId string) (*models.IdempotencyKey, error) {
	key := models.IdempotencyKey{
		HandlerName: handlerName,
		RequestId:   requestId,
		Status:      models.IdempotencyStatusStarted,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "handler_name"}, {Name: "request_id"}},
		DoNothing: true,
	}).Create(&key)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return nil, nil
	}

	var existing models.IdempotencyKey
	if err := tx.Where("handler_name = ? AND request_id = ?", handlerName, requestId).
		First(&existing).Error; err != nil {
		return nil, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return &existing, nil
	case models.IdempotencyStatusStarted:
		if time.Since(existing.UpdatedAt) < 5*time.Minute {
			return nil, ErrIdempotencyInProgress
		}
	}
	return nil, tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, handlerName, requestId string, resultRef int) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND request_id = ?", handlerName, requestId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "result_ref": resultRef, "last_error": nil}).Error
}
