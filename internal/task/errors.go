package task

import "errors"

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrConflict means the record store rejected a status transition. It
	// indicates a duplicate or stale signal, not a task failure.
	ErrConflict          = errors.New("status transition conflict")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrFileTooLarge      = errors.New("file too large")
)
