package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrTenantNotFound indicates the tenant has no configuration entry.
	ErrTenantNotFound = errors.New("tenant not found")
)

// LoadError wraps a failure to read or parse a configuration file.
type LoadError struct {
	Path string
	Err  error
}

// NewLoadError creates a LoadError.
func NewLoadError(path string, err error) *LoadError {
	return &LoadError{Path: path, Err: err}
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ValidationError names the component and field that failed validation.
type ValidationError struct {
	Component string
	ID        string
	Field     string
	Err       error
}

// NewValidationError creates a ValidationError.
func NewValidationError(component, id, field string, err error) *ValidationError {
	return &ValidationError{Component: component, ID: id, Field: field, Err: err}
}

func (e *ValidationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s '%s': field '%s': %v", e.Component, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: field '%s': %v", e.Component, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
