package models

import "gorm.io/gorm"

// updateWithVersion is the compare-and-swap every mutable engine row goes through:
// the write applies only if the row still carries the version the caller read.
func updateWithVersion(tx *gorm.DB, model interface{}, entity string, id int, version int, changes map[string]interface{}) error {
	changes["version"] = gorm.Expr("version + 1")
	res := tx.Model(model).
		Where("id = ? AND version = ?", id, version).
		Updates(changes)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate(entity, id)
	}
	return nil
}

func UpdateLayerWithVersion(tx *gorm.DB, layer *InventoryLayer, changes map[string]interface{}) error {
	if err := updateWithVersion(tx, &InventoryLayer{}, "inventory layer", layer.ID, layer.Version, changes); err != nil {
		return err
	}
	layer.Version++
	return nil
}

func UpdateRunWithVersion(tx *gorm.DB, run *ProductionRun, changes map[string]interface{}) error {
	if err := updateWithVersion(tx, &ProductionRun{}, "production run", run.ID, run.Version, changes); err != nil {
		return err
	}
	run.Version++
	return nil
}

func UpdateStepWithVersion(tx *gorm.DB, step *ProductionRunStep, changes map[string]interface{}) error {
	if err := updateWithVersion(tx, &ProductionRunStep{}, "production step", step.ID, step.Version, changes); err != nil {
		return err
	}
	step.Version++
	return nil
}
