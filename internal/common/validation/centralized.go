// Package validation wraps go-playground/validator with the tags and error
// messages used for descriptor files and runtime configuration
package validation

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"api-replay/internal/common/errors"
)

// HTTPMethods are the verbs a descriptor may use
var HTTPMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// CentralizedValidator provides unified validation using go-playground/validator
type CentralizedValidator struct {
	validator *validator.Validate
}

// ValidationError represents a single validation error with context
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// NewCentralizedValidator creates a new centralized validator instance
func NewCentralizedValidator() *CentralizedValidator {
	v := validator.New()

	registerDescriptorValidators(v)

	// report fields by the name used in descriptor files
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"yaml", "json"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})

	return &CentralizedValidator{
		validator: v,
	}
}

// ValidateStruct validates a struct using struct tags
func (cv *CentralizedValidator) ValidateStruct(s interface{}) error {
	if err := cv.validator.Struct(s); err != nil {
		return cv.formatValidationErrors(err)
	}
	return nil
}

// ValidateVar validates a single variable with validation rules
func (cv *CentralizedValidator) ValidateVar(field interface{}, tag string) error {
	if err := cv.validator.Var(field, tag); err != nil {
		return cv.formatValidationErrors(err)
	}
	return nil
}

// Errors returns the structured errors for s, nil when it is valid
func (cv *CentralizedValidator) Errors(s interface{}) []ValidationError {
	err := cv.validator.Struct(s)
	if err == nil {
		return nil
	}
	return cv.extractValidationErrors(err)
}

// formatValidationErrors converts go-playground/validator errors to internal errors
func (cv *CentralizedValidator) formatValidationErrors(err error) error {
	validationErrors := cv.extractValidationErrors(err)
	if len(validationErrors) == 1 {
		return errors.ValidationError(validationErrors[0].Message)
	}

	messages := make([]string, len(validationErrors))
	for i, e := range validationErrors {
		messages[i] = e.Message
	}

	return errors.ValidationError(fmt.Sprintf("validation failed: %s", strings.Join(messages, "; ")))
}

// extractValidationErrors extracts structured validation errors
func (cv *CentralizedValidator) extractValidationErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, fieldError := range validationErrs {
			validationErrors = append(validationErrors, ValidationError{
				Field:   fieldError.Namespace(),
				Tag:     fieldError.Tag(),
				Value:   fmt.Sprintf("%v", fieldError.Value()),
				Message: cv.formatFieldError(fieldError),
				Param:   fieldError.Param(),
			})
		}
	} else {
		validationErrors = append(validationErrors, ValidationError{
			Field:   "unknown",
			Tag:     "error",
			Message: err.Error(),
		})
	}

	return validationErrors
}

// formatFieldError formats go-playground/validator field errors into readable messages
func (cv *CentralizedValidator) formatFieldError(err validator.FieldError) string {
	field := trimRoot(err.Namespace())
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", field)
	case "required_without":
		return fmt.Sprintf("field '%s' is required when %s is not set", field, err.Param())
	case "url":
		return fmt.Sprintf("field '%s' must be a valid URL", field)
	case "min":
		return fmt.Sprintf("field '%s' must be at least %s", field, err.Param())
	case "max":
		return fmt.Sprintf("field '%s' must be at most %s", field, err.Param())
	case "gte":
		return fmt.Sprintf("field '%s' must be greater than or equal to %s", field, err.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", field, err.Param())
	case "http_method":
		return fmt.Sprintf("field '%s' must be a valid HTTP method", field)
	case "header_name":
		return fmt.Sprintf("field '%s' must be a valid header name", field)
	default:
		return fmt.Sprintf("field '%s' failed validation: %s", field, err.Tag())
	}
}

// trimRoot drops the top-level struct name from a namespace
func trimRoot(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

// registerDescriptorValidators registers custom validation functions for descriptor files
func registerDescriptorValidators(v *validator.Validate) {
	// empty means GET
	v.RegisterValidation("http_method", func(fl validator.FieldLevel) bool {
		method := strings.ToUpper(fl.Field().String())
		if method == "" {
			return true
		}
		for _, valid := range HTTPMethods {
			if method == valid {
				return true
			}
		}
		return false
	})

	v.RegisterValidation("header_name", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		if name == "" {
			return false
		}
		return !strings.ContainsAny(name, " \t\r\n:")
	})
}

// Global validator instance for convenience
var globalValidator = NewCentralizedValidator()

// ValidateStruct validates a struct using the global validator instance
func ValidateStruct(s interface{}) error {
	return globalValidator.ValidateStruct(s)
}

// ValidateVar validates a variable using the global validator instance
func ValidateVar(field interface{}, tag string) error {
	return globalValidator.ValidateVar(field, tag)
}
