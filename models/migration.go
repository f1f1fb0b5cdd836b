package models

import (
	"gorm.io/gorm"
)

func AllModels() []interface{} {
	return []interface{}{
		&Item{}, &InventoryLayer{},
		&ProductionRun{}, &ProductionRunStep{}, &ProductionStepMaterial{},
		&ProductionInput{}, &ProductionOutput{}, &ProductionCost{}, &ProductionRunDependency{},
		&Recipe{}, &RecipeIngredient{},
		&GLAccount{}, &JournalEntry{}, &JournalEntryLine{},
		&PurchaseBill{}, &InspectionCriteria{},
		&History{}, &ReconciliationReport{},
		&OutboxRecord{}, &IdempotencyKey{},
	}
}

// MigrateTables creates or alters every table and seeds the system accounts.
func MigrateTables(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return err
	}
	return SeedSystemAccounts(db)
}
