package hn

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the client. Callers classify with errors.Is.
var (
	// ErrTransport covers connect, write and read failures as well as non-success statuses.
	ErrTransport = errors.New("hn: transport error")
	// ErrDecode marks a payload that is not valid JSON or has an unknown shape.
	ErrDecode = errors.New("hn: decode error")
	// ErrNotFound is returned when the API answers with a null body.
	ErrNotFound = errors.New("hn: record not found")
)

// FetchError describes a failed request against one API path.
type FetchError struct {
	Path   string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
