/**
 * Custom error types for the PDF OCR worker
 *
 * Every error produced by the core is fatal to its job: the coordinator never
 * emits partial output. Errors carry enough context (job, page, external call)
 * to log a one-line diagnostic and to persist into the job store.
 */

package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Input errors
	ErrorValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Environment errors
	ErrorDependencyMissing ErrorCode = "DEPENDENCY_MISSING"

	// Pipeline errors
	ErrorRenderFailed ErrorCode = "RENDER_FAILED"
	ErrorEngineFailed ErrorCode = "ENGINE_FAILED"
	ErrorCacheFailed  ErrorCode = "CACHE_FAILED"

	// Cooperative cancellation observed at a checkpoint
	ErrorJobCancelled ErrorCode = "JOB_CANCELLED"
)

// ProcessingError represents a structured job error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Page      int // 1-based page number, 0 when not page-scoped
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for the error taxonomy

func NewValidationError(jobID, path string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorValidationFailed,
		Message:   fmt.Sprintf("Invalid input file: %s", path),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"path": path,
		},
		Cause: cause,
	}
}

// NewDependencyError reports the complete set of missing dependencies in one
// error, never just the first.
func NewDependencyError(jobID string, missing []string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDependencyMissing,
		Message:   fmt.Sprintf("Missing dependencies: %s", strings.Join(missing, "; ")),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"missing": missing,
		},
	}
}

func NewRenderError(jobID string, diagnostic string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRenderFailed,
		Message:   "PDF rasterization failed",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"diagnostic": diagnostic,
		},
		Cause: cause,
	}
}

func NewEngineError(jobID string, page int, engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEngineFailed,
		Message:   fmt.Sprintf("OCR failed on page %d (engine: %s)", page, engine),
		JobID:     jobID,
		Page:      page,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewCacheError(jobID string, op string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorCacheFailed,
		Message:   fmt.Sprintf("Cache %s failed", op),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"operation": op,
		},
		Cause: cause,
	}
}

func NewCancelledError(jobID string, checkpoint string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorJobCancelled,
		Message:   fmt.Sprintf("Job cancelled at checkpoint: %s", checkpoint),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"checkpoint": checkpoint,
		},
	}
}

// CodeOf extracts the ErrorCode from an error chain, or "" if the chain holds
// no ProcessingError.
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.Page > 0 {
		result["page"] = e.Page
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
