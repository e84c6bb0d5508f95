package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sugos/mrdash/internal/adapters/clinic"
	"github.com/sugos/mrdash/internal/adapters/gemini"
)

var (
	// ErrBusy is returned when another action is still running.
	ErrBusy = errors.New("another action is in progress")
	// ErrNothingFound accompanies a retrieval where every category is missing.
	ErrNothingFound = errors.New("no records found for the patient")
	// ErrNotReady is returned when an action is not allowed in the current state.
	ErrNotReady = errors.New("action not allowed in the current state")
	// ErrEmptyDocument rejects a summarization with nothing to summarize.
	ErrEmptyDocument = errors.New("the combined document has no records to summarize")
	// ErrNoSummarizer rejects a summarization when no credential is configured.
	ErrNoSummarizer = errors.New("summarization credential is not configured")
	// ErrEnvironmentLocked is returned when changing environment after a retrieval.
	ErrEnvironmentLocked = errors.New("environment can only be chosen before the first retrieval")
)

// ValidationError reports missing or invalid user input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// Describe turns an action error into a message for the operator.
func Describe(err error) string {
	var (
		validation *ValidationError
		connErr    *clinic.ConnectionError
		httpErr    *clinic.HTTPError
		malformed  *clinic.MalformedResponseError
		shape      *clinic.UnexpectedShapeError
		blocked    *gemini.BlockedContentError
		service    *gemini.ServiceError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return validation.Error()
	case errors.Is(err, clinic.ErrInvalidCredentials):
		return "Invalid or unauthorized credentials."
	case errors.As(err, &connErr):
		return "Could not connect to the clinic API: " + connErr.Err.Error()
	case errors.As(err, &httpErr):
		msg := fmt.Sprintf("The clinic API answered with HTTP %d.", httpErr.Status)
		if body := strings.TrimSpace(httpErr.Body); body != "" {
			msg += " Server response: " + body
		}
		return msg
	case errors.As(err, &malformed):
		return "The clinic API returned an unreadable response (" + malformed.Reason + ")."
	case errors.As(err, &shape):
		return "The clinic API response has an unexpected structure (" + shape.Reason + ")."
	case errors.As(err, &blocked):
		return "The summarization request was blocked by content policy (" + blocked.Reason + ")."
	case errors.As(err, &service):
		return "Summarization failed: " + service.Message
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNothingFound), errors.Is(err, ErrNotReady),
		errors.Is(err, ErrEmptyDocument), errors.Is(err, ErrNoSummarizer), errors.Is(err, ErrEnvironmentLocked):
		msg := err.Error()
		return strings.ToUpper(msg[:1]) + msg[1:] + "."
	default:
		return "An unexpected error occurred."
	}
}
