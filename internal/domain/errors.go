package domain

import "errors"

// Sentinel errors shared across the persistence and orchestration layers.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates a malformed request or record.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVersionConflict indicates an optimistic-concurrency update lost the
	// race on the investigation version. Callers re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrPhaseTerminal indicates an attempt to advance a completed or failed
	// investigation.
	ErrPhaseTerminal = errors.New("investigation is in a terminal phase")
)
