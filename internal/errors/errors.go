package errors

import (
	"errors"
)

var (
	// ErrInvalidInput - malformed request, schedule, or record (never retried)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - record does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict - concurrent writer won (retry with backoff)
	ErrConflict = errors.New("conflict")

	// ErrTransient - store, broker or network hiccup (retry with backoff)
	ErrTransient = errors.New("transient error")

	// ErrPermissionDenied - credentials rejected by the store, broker or model provider
	ErrPermissionDenied = errors.New("permission denied")

	// ErrMissingTimezone - owner profile has no IANA timezone; recurrence must not guess one
	ErrMissingTimezone = errors.New("missing timezone")

	// ErrMalformedRecord - stored document cannot be decoded into its model
	ErrMalformedRecord = errors.New("malformed record")

	// ErrClosed - component or connection already shut down
	ErrClosed = errors.New("closed")

	// ErrInternal - everything else
	ErrInternal = errors.New("internal error")
)
