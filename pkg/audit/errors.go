package audit

import "errors"

var (
	// ErrEntryValidation indicates a malformed entry.
	ErrEntryValidation = errors.New("audit entry validation failed")

	// ErrRecorderClosed is returned by Close when called twice.
	ErrRecorderClosed = errors.New("audit recorder is closed")
)
