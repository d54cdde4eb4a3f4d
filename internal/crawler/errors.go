package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRunNotFound is returned by run stores for unknown or evicted run IDs.
var ErrRunNotFound = errors.New("run not found")

// TransportError reports a DNS, connect, or timeout failure for a page.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatusError reports a non-success HTTP status for a page.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) for %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// MalformedMarkupError reports a record container missing a required field.
type MalformedMarkupError struct {
	Index int
	Field string
}

func (e *MalformedMarkupError) Error() string {
	return fmt.Sprintf("container %d: missing %s", e.Index, e.Field)
}

// PageError ties a task failure to the page that produced it.
type PageError struct {
	Page int
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// RunError is returned when a fail-fast run aborts on a page failure.
type RunError struct {
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s aborted: %v", e.RunID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
