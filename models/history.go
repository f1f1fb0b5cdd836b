package models

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/mfg_backend/utils"
	"gorm.io/gorm"
)

// History is the audit log. Every engine mutation that a human may need to
// trace later (run completion, QC release, reconciliation fix) writes one row.
type History struct {
	ID            int       `gorm:"primary_key" json:"id"`
	ActionType    string    `gorm:"size:20;not null" json:"action_type"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	ReferenceID   int       `gorm:"index:idx_history_ref,priority:2" json:"reference_id"`
	ReferenceType string    `gorm:"size:50;index:idx_history_ref,priority:1" json:"reference_type"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	UserId        int       `gorm:"index;not null;default:0" json:"user_id"`
	UserName      string    `gorm:"size:100" json:"user_name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// History action types.
const (
	HistoryActionCreate      = "CREATE"
	HistoryActionStart       = "START"
	HistoryActionComplete    = "COMPLETE"
	HistoryActionQcRelease   = "QC_RELEASE"
	HistoryActionQcReject    = "QC_REJECT"
	HistoryActionReconcile   = "RECON_FIX"
	HistoryActionApprove     = "APPROVE"
	HistoryActionMaterialise = "MATERIALISE"
)

// CreateHistory writes an audit row. The actor and correlation id come from
// the context attached to tx; system jobs without an actor record user 0.
func CreateHistory(tx *gorm.DB,
	actionType string,
	referenceId int,
	referenceType string,
	before interface{},
	after interface{},
	description string) error {

	var history History

	if before != nil {
		b, _ := json.Marshal(before)
		history.Before = string(b)
	}
	if after != nil {
		a, _ := json.Marshal(after)
		history.After = string(a)
	}

	ctx := tx.Statement.Context
	if userId, ok := utils.GetUserIdFromContext(ctx); ok {
		history.UserId = userId
	}
	if userName, ok := utils.GetUserNameFromContext(ctx); ok {
		history.UserName = userName
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		history.CorrelationId = correlationId
	}

	history.ActionType = actionType
	history.Description = description
	history.ReferenceID = referenceId
	history.ReferenceType = referenceType

	return tx.Create(&history).Error
}
