package fetcher

import "fmt"

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	KindNetwork ErrorKind = "network"
	KindStatus  ErrorKind = "status"
	KindTimeout ErrorKind = "timeout"
	KindRender  ErrorKind = "render"
	KindBadURL  ErrorKind = "bad-url"
)

// FetchError reports a failed fetch with enough context to diagnose it
// from the run summary. Retryable errors are transient (timeouts, 5xx,
// resets); the rest are surfaced immediately and never retried.
type FetchError struct {
	SourceID  string
	Target    string
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s (%s): %v", e.SourceID, e.Target, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
