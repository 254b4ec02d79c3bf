package feeds

import (
	"errors"
	"fmt"
)

// UserFacingError is the message stored in State.LastError when a fetch fails
const UserFacingError = "Unable to load papers. Please try again later."

// ErrNoTopic means no topic is selected and there are no fallback topics.
// It is a valid empty state, not a failure.
var ErrNoTopic = errors.New("no topic available")

// errStaleResponse marks a fetch result whose topic is no longer current
var errStaleResponse = errors.New("stale response discarded")

// FetchError wraps a failure reported by the paginated source
type FetchError struct {
	Query  string
	Offset int
	Limit  int
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed for %q (offset %d, limit %d): %v", e.Query, e.Offset, e.Limit, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ErrUnexpectedResponse means the source answered with a body of the wrong shape
var ErrUnexpectedResponse = errors.New("unexpected response")
