// Package errors defines the failure taxonomy of a deployment unit.
// Every error that ends a unit pipeline is one of the typed errors below,
// so callers can report the outcome without parsing messages.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why a deployment unit stopped.
type Kind string

const (
	// KindPrecondition indicates a missing local input: built artifact, credentials file or directory.
	KindPrecondition Kind = "precondition"

	// KindHTTP indicates the platform answered with a non-2xx status.
	KindHTTP Kind = "http"

	// KindConflict indicates the deploy guard refused the push.
	KindConflict Kind = "conflict"

	// KindInconsistentState indicates local history and platform records disagree.
	KindInconsistentState Kind = "inconsistent_state"

	// KindUnknown is any other failure (transport, decoding, filesystem).
	KindUnknown Kind = "unknown"
)

var (
	// ErrMissingBuiltArtifact indicates the build output for a unit does not exist.
	ErrMissingBuiltArtifact = errors.New("missing built artifact")

	// ErrMissingCredentials indicates no credentials file was found for the client.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrMissingDirectory indicates a required workspace directory does not exist.
	ErrMissingDirectory = errors.New("missing directory")

	// ErrSegmentMisaligned indicates a segment whose conditions and OR flags differ in length.
	ErrSegmentMisaligned = errors.New("segment conditions and or-operators are misaligned")
)

// PreconditionError reports a local input the unit cannot run without.
type PreconditionError struct {
	Path string
	Err  error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Path)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// NewMissingBuiltArtifact returns the precondition failure for an absent build output.
func NewMissingBuiltArtifact(path string) error {
	return &PreconditionError{Path: path, Err: ErrMissingBuiltArtifact}
}

// HTTPError captures a non-2xx platform response.
type HTTPError struct {
	Method     string `json:"method"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Status     string `json:"status"`
	Body       string `json:"body,omitempty"`
}

func (e *HTTPError) Error() string {
	reason := e.Status
	if reason == "" {
		reason = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d (%s)", e.Method, e.URL, e.StatusCode, reason)
}

// ConflictError is raised by the deploy guard. Path names the snapshot file
// that diverged, when the refusal was caused by drift.
type ConflictError struct {
	Reason   string `json:"reason"`
	Resource string `json:"resource"`
	Path     string `json:"path,omitempty"`
	Live     bool   `json:"live"`
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Resource)
	}
	msg := fmt.Sprintf("%s (%s): check manually whether the code was modified on the platform", e.Reason, e.Path)
	if e.Live {
		msg += fmt.Sprintf("; %s is live", e.Resource)
	}
	return msg
}

// InconsistentStateError reports a snapshot the platform has no record of.
type InconsistentStateError struct {
	Path   string
	Reason string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state: %s, but deployed file exists in %s", e.Reason, e.Path)
}

// KindOf returns the taxonomy kind of err, KindUnknown when it matches none.
func KindOf(err error) Kind {
	var (
		pre  *PreconditionError
		herr *HTTPError
		conf *ConflictError
		inc  *InconsistentStateError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conf):
		return KindConflict
	case errors.As(err, &herr):
		return KindHTTP
	case errors.As(err, &pre):
		return KindPrecondition
	case errors.As(err, &inc):
		return KindInconsistentState
	default:
		return KindUnknown
	}
}

// IsConflict reports whether err is a guard refusal.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}
