package models

import (
	"fmt"
	"strings"
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	// Field is the name of the invalid field.
	Field string `json:"field"`

	// Message describes why the field is invalid.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates field-level validation failures.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// AddMessage records a validation failure for a field.
func (v *ValidationErrors) AddMessage(field, message string) {
	v.Errors = append(v.Errors, ValidationError{Field: field, Message: message})
}

// HasErrors reports whether any validation failure was recorded.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Err returns the aggregate as an error, or nil if no failures were recorded.
func (v *ValidationErrors) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		msgs = append(msgs, e.Error())
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}
