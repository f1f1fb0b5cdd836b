package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Recipe (bill of materials) yields NominalOutputQty of OutputItemId from its ingredients.
type Recipe struct {
	ID               int                 `gorm:"primary_key" json:"id"`
	Name             string              `gorm:"size:150;not null" json:"name"`
	OutputItemId     int                 `gorm:"not null;index" json:"output_item_id"`
	ProcessType      string              `gorm:"size:50;not null" json:"process_type"`
	NominalOutputQty decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"nominal_output_qty"`
	IsActive         *bool               `gorm:"not null;default:true" json:"is_active"`
	Ingredients      []*RecipeIngredient `gorm:"foreignKey:RecipeId" json:"ingredients"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type RecipeIngredient struct {
	ID       int             `gorm:"primary_key" json:"id"`
	RecipeId int             `gorm:"not null;index" json:"recipe_id"`
	ItemId   int             `gorm:"not null" json:"item_id"`
	Qty      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
}

type NewRecipe struct {
	Name             string                 `json:"name" validate:"required"`
	OutputItemId     int                    `json:"output_item_id" validate:"required"`
	ProcessType      string                 `json:"process_type" validate:"required,max=50"`
	NominalOutputQty decimal.Decimal        `json:"nominal_output_qty" validate:"gt=0"`
	Ingredients      []*NewRecipeIngredient `json:"ingredients" validate:"required,min=1,dive"`
}

type NewRecipeIngredient struct {
	ItemId int             `json:"item_id" validate:"required"`
	Qty    decimal.Decimal `json:"qty" validate:"gt=0"`
}

func CreateRecipe(tx *gorm.DB, input NewRecipe) (*Recipe, error) {
	if err := ValidateInput(input); err != nil {
		return nil, err
	}
	if _, err := GetItem(tx, input.OutputItemId); err != nil {
		return nil, err
	}
	recipe := Recipe{
		Name:             input.Name,
		OutputItemId:     input.OutputItemId,
		ProcessType:      input.ProcessType,
		NominalOutputQty: input.NominalOutputQty,
		IsActive:         boolPtr(true),
	}
	for _, in := range input.Ingredients {
		recipe.Ingredients = append(recipe.Ingredients, &RecipeIngredient{ItemId: in.ItemId, Qty: in.Qty})
	}
	if err := tx.Create(&recipe).Error; err != nil {
		return nil, err
	}
	return &recipe, nil
}

// FindActiveRecipeForItem returns the newest active recipe producing itemId, or nil.
func FindActiveRecipeForItem(tx *gorm.DB, itemId int) (*Recipe, error) {
	var recipe Recipe
	err := tx.Preload("Ingredients", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).
		Where("output_item_id = ? AND is_active = ?", itemId, true).
		Order("id DESC").
		First(&recipe).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &recipe, nil
}
