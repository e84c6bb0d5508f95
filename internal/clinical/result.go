package clinical

import (
	"github.com/sugos/mrdash/internal/adapters/clinic"
)

// Result is the outcome of fetching one record category: exactly one of
// Success or Failure.
type Result struct {
	category clinic.Category
	envelope clinic.Envelope
	err      error
	ok       bool
}

// Success wraps a fetched envelope.
func Success(envelope clinic.Envelope) Result {
	return Result{category: envelope.Category, envelope: envelope, ok: true}
}

// Failure records why a category could not be fetched.
func Failure(category clinic.Category, err error) Result {
	return Result{category: category, err: err}
}

// Category returns the record category of the result.
func (r Result) Category() clinic.Category {
	return r.category
}

// Envelope returns the fetched envelope and whether the fetch succeeded.
func (r Result) Envelope() (clinic.Envelope, bool) {
	return r.envelope, r.ok
}

// Err returns the failure reason, or nil on success.
func (r Result) Err() error {
	return r.err
}

// OK reports whether the fetch succeeded.
func (r Result) OK() bool {
	return r.ok
}
