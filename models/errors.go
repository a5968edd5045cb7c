package models

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w", ...) and
// match with errors.Is.
var (
	// ErrNotFound is returned by direct lookups of unknown users. Read paths
	// normalise it to an implicit offline record.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for malformed input such as an unknown status.
	ErrValidation = errors.New("validation error")
	// ErrUnavailable wraps cache, store or peer I/O failures. Writes that fail
	// with it are safe to retry.
	ErrUnavailable = errors.New("unavailable")
)
