package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrNoArchive        = errors.New("no archive selected for installation")
	ErrArchiveNotFound  = errors.New("archive does not exist or is not a regular file")
	ErrJobActive        = errors.New("an installation is already in progress")
	ErrChecksumMismatch = errors.New("archive digest does not match")

	// ErrLocatorMiss is a stage failure: the expected directory was not found
	// in the extracted tree.
	ErrLocatorMiss = errors.New("source tree lookup failed")

	// ErrCancelled marks jobs stopped by the requester at a checkpoint.
	ErrCancelled = errors.New("cancelled by user")
)

// RequestError is returned for install requests rejected before a job starts.
type RequestError struct {
	Err    error
	Detail string
}

func (e *RequestError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

func (e *RequestError) Unwrap() error { return e.Err }
