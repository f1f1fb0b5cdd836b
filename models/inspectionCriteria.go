package models

import "time"

// InspectionCriteria marks which produced batches need a QC inspection before
// they may be consumed. A row applies to one item (ItemId) or a whole class.
type InspectionCriteria struct {
	ID        int        `gorm:"primary_key" json:"id"`
	Name      string     `gorm:"size:100;not null" json:"name"`
	ItemId    *int       `gorm:"index" json:"item_id"`
	ItemClass *ItemClass `gorm:"size:20" json:"item_class"`
	IsActive  *bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
