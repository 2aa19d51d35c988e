package pipeline

import (
	"fmt"
	"time"
)

// FetchErrorKind classifies terminal fetch failures.
type FetchErrorKind string

// Fetch failure kinds. Timeout, ConnectionReset, and ProtocolError are
// retried with backoff before surfacing; NotFound and Other are terminal on
// first sight unless the transport says otherwise.
const (
	FetchTimeout         FetchErrorKind = "timeout"
	FetchConnectionReset FetchErrorKind = "connection_reset"
	FetchProtocolError   FetchErrorKind = "protocol_error"
	FetchNotFound        FetchErrorKind = "not_found"
	FetchOther           FetchErrorKind = "other"
)

// FetchError is the typed terminal failure returned by a Fetcher after its
// retry budget is spent. It carries enough context to diagnose post-hoc.
type FetchError struct {
	Kind     FetchErrorKind
	Link     string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed (%s) after %d attempt(s) in %s: %v",
		e.Link, e.Kind, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

// Unwrap exposes the underlying transport error.
func (e *FetchError) Unwrap() error { return e.Err }

// ExtractionError reports an unrecoverable page: malformed markup or a
// missing article body. Never retried; content is deterministic.
type ExtractionError struct {
	Link   string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.Link, e.Reason)
}
