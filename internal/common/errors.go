// Package common defines shared constants and sentinel errors used across
// scankeeper components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Validation errors, raised before any I/O is performed.
	ErrInvalidArgument = errors.New("invalid argument")

	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Crypto / persistence errors.
	ErrIntegrityCheck  = errors.New("integrity check failed")
	ErrStorageFailure  = errors.New("storage failure")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidKeySize  = errors.New("invalid key size")
	ErrMalformedRecord = errors.New("malformed record")
)
