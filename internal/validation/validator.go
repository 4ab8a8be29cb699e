// Package validation checks settings and manifest documents.
//
// It wraps go-playground/validator with the rules used across apphost:
//   - http_url: an absolute URL whose scheme is http or https
//   - resource_name: a valid application resource name
//
// Failures are translated into ValidationError values naming the field by
// its yaml (or json) tag, so messages match what users wrote in their files.
//
// # Usage Example
//
//	v := validation.New()
//	result := v.Struct(&manifest)
//	if !result.Valid {
//	    for _, err := range result.Errors {
//	        fmt.Printf("%s: %s\n", err.Field, err.Message)
//	    }
//	}
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"evalgo.org/apphost/pkg/hosting"
)

// Validator validates structs and single values.
type Validator struct {
	structValidator *validator.Validate
}

// ValidationError represents a single validation error with field-level details.
type ValidationError struct {
	// Field is the path of the field that failed validation
	Field string `json:"field" yaml:"field"`

	// Message describes why the validation failed
	Message string `json:"message" yaml:"message"`

	// Value is the invalid value that caused the error (optional)
	Value interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult represents the complete result of a validation operation.
type ValidationResult struct {
	// Valid is true if validation passed, false otherwise
	Valid bool `json:"valid" yaml:"valid"`

	// Errors contains all validation errors found (empty if Valid is true)
	Errors []ValidationError `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Err returns nil for a valid result, otherwise all errors joined.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

// New creates a Validator with the apphost rules registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"yaml", "json", "mapstructure"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})

	// Registration only fails for empty tags or nil functions.
	_ = v.RegisterValidation("http_url", func(fl validator.FieldLevel) bool {
		return IsHTTPURL(fl.Field().String())
	})
	_ = v.RegisterValidation("resource_name", func(fl validator.FieldLevel) bool {
		return hosting.ValidateName(fl.Field().String()) == nil
	})

	return &Validator{structValidator: v}
}

// Struct validates s and translates failures.
func (v *Validator) Struct(s interface{}) *ValidationResult {
	err := v.structValidator.Struct(s)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: "document", Message: err.Error()}},
		}
	}

	result := &ValidationResult{Valid: false}
	for _, fe := range fieldErrs {
		result.Errors = append(result.Errors, translate(fe))
	}
	return result
}

// Var validates a single value against tag, e.g. "required,http_url".
func (v *Validator) Var(field string, value interface{}, tag string) *ValidationResult {
	err := v.structValidator.Var(value, tag)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			ve := translate(fe)
			ve.Field = field
			result.Errors = append(result.Errors, ve)
		}
		return result
	}
	result.Errors = []ValidationError{{Field: field, Message: err.Error(), Value: value}}
	return result
}

// translate turns a validator field error into a readable message
func translate(fe validator.FieldError) ValidationError {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	ve := ValidationError{Field: field, Value: fe.Value()}
	switch fe.Tag() {
	case "required":
		ve.Message = "is required"
		ve.Value = nil
	case "required_if", "required_with":
		ve.Message = fmt.Sprintf("is required when %s is set", fe.Param())
		ve.Value = nil
	case "http_url":
		ve.Message = "must be an absolute http or https URL"
	case "resource_name":
		ve.Message = "must start with a letter and contain only letters, digits and single hyphens"
	case "oneof":
		ve.Message = fmt.Sprintf("must be one of: %s", strings.Join(strings.Fields(fe.Param()), ", "))
	case "min":
		ve.Message = fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		ve.Message = fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		ve.Message = fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		ve.Message = fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "unique":
		ve.Message = "must not contain duplicates"
	case "dive":
		ve.Message = "contains an invalid element"
	default:
		ve.Message = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return ve
}

// IsHTTPURL reports whether s parses as an absolute URL with an http or
// https scheme and a host.
func IsHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
