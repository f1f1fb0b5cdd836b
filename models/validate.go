package models

import (
	"errors"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// decimal.Decimal fields are validated by their numeric value (gt=0, gte=0 ...).
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// ValidateInput runs struct tag validation and reports failures as a VALIDATION error.
func ValidateInput(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return WrapProductionError(ErrKindValidation, "invalid input", err)
	}
	pe := NewProductionError(ErrKindValidation, "invalid input")
	for field, tag := range utils.ProcessValidationErrors(verrs) {
		pe.WithDetail(field, tag)
	}
	return pe
}
