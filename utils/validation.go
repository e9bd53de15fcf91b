package utils

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"example.com/aethyr/world/domain"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	// report json names so errors match what callers sent
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	RegisterCustomValidations()
}

// ValidateStruct validates a struct using validation tags. The first failing
// field is reported as a domain.ValidationError.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &domain.ValidationError{Field: fe.Field(), Reason: describe(fe)}
	}
	return &domain.ValidationError{Reason: err.Error()}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "aggregate_id":
		return fmt.Sprintf("%q is not a valid aggregate id", fe.Value())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s long", fe.Param())
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

// ValidateAggregateID validates an aggregate ID
func ValidateAggregateID(id string) error {
	if id == "" {
		return &domain.ValidationError{Field: "aggregate_id", Reason: "is required"}
	}
	if !domain.ValidID(id) {
		return &domain.ValidationError{Field: "aggregate_id", Reason: fmt.Sprintf("%q is not a valid aggregate id", id)}
	}
	return nil
}

// RegisterCustomValidations registers custom validation functions
func RegisterCustomValidations() {
	validate.RegisterValidation("aggregate_id", func(fl validator.FieldLevel) bool {
		return domain.ValidID(fl.Field().String())
	})
}
