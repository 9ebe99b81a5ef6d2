// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package validation wraps go-playground/validator v10 with a shared
// instance, Herald-specific tags and error translation into the API's
// VALIDATION_ERROR shape.
//
// Custom tags:
//   - itemid: an opaque catalog identifier (1-128 printable, non-space characters)
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// ValidationError is a single failed field.
type ValidationError struct {
	field   string
	tag     string
	param   string
	message string
}

// Field returns the field name (json name when the struct has one).
func (e *ValidationError) Field() string { return e.field }

// Tag returns the failed validation tag.
func (e *ValidationError) Tag() string { return e.tag }

// Param returns the tag parameter, e.g. "64" for max=64.
func (e *ValidationError) Param() string { return e.param }

func (e *ValidationError) Error() string { return e.message }

// RequestValidationError collects every failed field of one struct.
type RequestValidationError struct {
	errors []ValidationError
}

// Errors returns the individual field errors.
func (ve *RequestValidationError) Errors() []ValidationError {
	return ve.errors
}

func (ve *RequestValidationError) Error() string {
	if len(ve.errors) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(ve.errors))
	for i := range ve.errors {
		msgs[i] = ve.errors[i].message
	}
	return strings.Join(msgs, "; ")
}

// APIError is the error body returned to HTTP clients.
type APIError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

// ToAPIError converts the failure to the API error format.
func (ve *RequestValidationError) ToAPIError() *APIError {
	fields := make([]string, len(ve.errors))
	for i := range ve.errors {
		fields[i] = ve.errors[i].field
	}
	return &APIError{
		Code:    "VALIDATION_ERROR",
		Message: ve.Error(),
		Details: map[string]interface{}{"fields": fields},
	}
}

// GetValidator returns the shared validator instance.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})

		// Registration only fails on an empty tag or nil func.
		_ = validate.RegisterValidation("itemid", validateItemID)
	})
	return validate
}

func validateItemID(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// ValidateStruct validates s. It returns nil on success.
func ValidateStruct(s interface{}) *RequestValidationError {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &RequestValidationError{errors: []ValidationError{{field: "unknown", tag: "unknown", message: err.Error()}}}
	}

	out := make([]ValidationError, len(fieldErrs))
	for i, fe := range fieldErrs {
		out[i] = ValidationError{
			field:   fe.Field(),
			tag:     fe.Tag(),
			param:   fe.Param(),
			message: translateError(fe),
		}
	}
	return &RequestValidationError{errors: out}
}

var simpleMessages = map[string]string{
	"required": "%s is required",
	"url":      "%s must be a valid URL",
	"itemid":   "%s must be a non-empty identifier without spaces (max 128 characters)",
}

var paramMessages = map[string]string{
	"oneof":            "%s must be one of: %s",
	"gte":              "%s must be greater than or equal to %s",
	"lte":              "%s must be less than or equal to %s",
	"excludesall":      "%s must not contain any of %q",
	"required_without": "%s is required when %s is missing",
}

func translateError(fe validator.FieldError) string {
	if tmpl, ok := simpleMessages[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, fe.Field())
	}
	if tmpl, ok := paramMessages[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, fe.Field(), fe.Param())
	}
	isString := fe.Kind() == reflect.String
	switch fe.Tag() {
	case "min":
		if isString {
			return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		if isString {
			return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
