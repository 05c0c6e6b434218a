package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned when the cancel check fired between entries.
	ErrCancelled = errors.New("extraction cancelled")
	// ErrUnsupportedFormat is returned when no known container matches.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	// ErrUnsafePath is returned for entries that would land outside the destination.
	ErrUnsafePath = errors.New("entry escapes destination directory")
)

// Op names the phase of extraction that failed.
type Op string

const (
	OpOpen   Op = "open"
	OpEntry  Op = "entry"
	OpCancel Op = "cancel"
)

// ExtractError reports why extraction stopped.
type ExtractError struct {
	Op    Op
	Entry string
	Err   error
}

func (e *ExtractError) Error() string {
	switch e.Op {
	case OpOpen:
		return fmt.Sprintf("open archive: %v", e.Err)
	case OpEntry:
		return fmt.Sprintf("extract %q: %v", e.Entry, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *ExtractError) Unwrap() error { return e.Err }
