package clinic

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidCredentials matches an HTTPError with status 401 on the login path.
var ErrInvalidCredentials = errors.New("invalid credentials")

// maxErrorBody bounds the upstream body kept on an HTTPError.
const maxErrorBody = 2048

// ConnectionError is a transport failure: DNS, refused connection, timeout.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error calling %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx upstream response. Login marks a response to the
// login request.
type HTTPError struct {
	Status int
	Body   string
	Login  bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d %s", e.Status, http.StatusText(e.Status))
}

// Is lets errors.Is(err, ErrInvalidCredentials) match a 401 from login.
func (e *HTTPError) Is(target error) bool {
	return target == ErrInvalidCredentials && e.Login && e.Status == http.StatusUnauthorized
}

// MalformedResponseError is a response that could not be decoded, or a
// login response without a token.
type MalformedResponseError struct {
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response: %s: %v", e.Reason, e.Err)
	}
	return "malformed response: " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// UnexpectedShapeError is valid JSON that lacks the expected structure.
type UnexpectedShapeError struct {
	Reason string
}

func (e *UnexpectedShapeError) Error() string {
	return "unexpected response shape: " + e.Reason
}

// Outcome classifies err into a short label for metrics and audit.
func Outcome(err error) string {
	var (
		connErr      *ConnectionError
		httpErr      *HTTPError
		malformedErr *MalformedResponseError
		shapeErr     *UnexpectedShapeError
	)
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.As(err, &connErr):
		return "connection_error"
	case errors.As(err, &httpErr):
		return "http_error"
	case errors.As(err, &malformedErr):
		return "malformed_response"
	case errors.As(err, &shapeErr):
		return "unexpected_shape"
	default:
		return "error"
	}
}

func truncate(body []byte) string {
	if len(body) <= maxErrorBody {
		return string(body)
	}
	return string(body[:maxErrorBody]) + "..."
}
