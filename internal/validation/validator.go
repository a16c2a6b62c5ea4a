// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package validation provides struct validation using go-playground/validator
// v10. A thread-safe singleton validator is shared by all request handlers;
// validation failures translate to the ValidationError domain kind.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/novatune/novatune/internal/apperr"
	"github.com/novatune/novatune/internal/ids"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// GetValidator returns the singleton validator instance.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// ulid validates 26-character lexicographically sortable IDs.
		_ = validate.RegisterValidation("ulid", func(fl validator.FieldLevel) bool {
			return ids.IsValid(fl.Field().String())
		})
	})
	return validate
}

// ValidateStruct validates a struct with the singleton validator. Returns nil
// on success, or a *apperr.Error of the validation kind carrying per-field
// details for the problem+json body.
func ValidateStruct(s interface{}) *apperr.Error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return apperr.Validation(apperr.CodeValidation, err.Error())
	}

	fields := make([]map[string]any, len(validationErrs))
	messages := make([]string, len(validationErrs))
	for i, fieldErr := range validationErrs {
		messages[i] = translateError(fieldErr)
		fields[i] = map[string]any{
			"field":   fieldErr.Field(),
			"tag":     fieldErr.Tag(),
			"message": messages[i],
		}
	}

	appErr := apperr.Validation(apperr.CodeValidation, strings.Join(messages, "; "))
	return appErr.WithExtension("fields", fields)
}

var errorMessageTemplates = map[string]string{
	"required":  "%s is required",
	"email":     "%s must be a valid email address",
	"ulid":      "%s must be a valid ULID",
	"base64url": "%s must be valid base64url encoded",
	"datetime":  "%s must be a valid RFC3339 timestamp",
}

var errorMessageWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"gt":    "%s must be greater than %s",
	"lt":    "%s must be less than %s",
}

func translateError(fe validator.FieldError) string {
	field := fe.Field()
	tag := fe.Tag()
	param := fe.Param()

	if template, ok := errorMessageTemplates[tag]; ok {
		return fmt.Sprintf(template, field)
	}
	if template, ok := errorMessageWithParam[tag]; ok {
		return fmt.Sprintf(template, field, param)
	}
	return translateMinMax(fe, field, tag, param)
}

func translateMinMax(fe validator.FieldError, field, tag, param string) string {
	isString := fe.Kind().String() == "string"

	switch tag {
	case "min":
		if isString {
			return fmt.Sprintf("%s must be at least %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		if isString {
			return fmt.Sprintf("%s must be at most %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at most %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, tag)
	}
}
