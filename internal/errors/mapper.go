package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorMapper maps external errors to the reveille error taxonomy.
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

type DefaultErrorMapper struct{}

func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError classifies driver, broker and provider errors. Errors that already
// carry a taxonomy sentinel are returned unchanged.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || m.Category(err) != "Unknown" {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timeout: %w", ErrTransient)
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no such"), strings.Contains(errStr, "does not exist"):
		return fmt.Errorf("%v: %w", err, ErrNotFound)

	case strings.Contains(errStr, "unauthorized"), strings.Contains(errStr, "not authorized"), strings.Contains(errStr, "forbidden"), strings.Contains(errStr, "permission denied"):
		return fmt.Errorf("%v: %w", err, ErrPermissionDenied)

	case strings.Contains(errStr, "database is locked"), strings.Contains(errStr, "busy"):
		return fmt.Errorf("%v: %w", err, ErrConflict)

	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"),
		strings.Contains(errStr, "connection"), strings.Contains(errStr, "network"),
		strings.Contains(errStr, "unreachable"), strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "too many requests"):
		return fmt.Errorf("%v: %w", err, ErrTransient)

	case strings.Contains(errStr, "invalid"), strings.Contains(errStr, "malformed"), strings.Contains(errStr, "bad request"):
		return fmt.Errorf("%v: %w", err, ErrInvalidInput)

	default:
		return fmt.Errorf("%v: %w", err, ErrInternal)
	}
}

func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

func (m *DefaultErrorMapper) Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrMissingTimezone):
		return "ErrMissingTimezone"
	case errors.Is(err, ErrMalformedRecord):
		return "ErrMalformedRecord"
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrConflict):
		return "ErrConflict"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrPermissionDenied):
		return "ErrPermissionDenied"
	case errors.Is(err, ErrClosed):
		return "ErrClosed"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// Wrap annotates err with message, preserving the chain.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

func Malformed(message string) error {
	return fmt.Errorf("%s: %w", message, ErrMalformedRecord)
}

func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable reports whether err is transient or a lost race.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
