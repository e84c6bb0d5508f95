package dashboard

import (
	"context"
	"errors"
	"strconv"

	"github.com/sugos/mrdash/internal/adapters/clinic"
	"github.com/sugos/mrdash/internal/adapters/gemini"
	"github.com/sugos/mrdash/internal/session"
	apperrors "github.com/sugos/mrdash/internal/shared/errors"
)

// toAppError maps a session action error to an HTTP error. The message is
// the operator-facing description, never the raw upstream body.
func toAppError(err error) *apperrors.AppError {
	var (
		validation *session.ValidationError
		connErr    *clinic.ConnectionError
		httpErr    *clinic.HTTPError
		malformed  *clinic.MalformedResponseError
		shape      *clinic.UnexpectedShapeError
		blocked    *gemini.BlockedContentError
		service    *gemini.ServiceError
	)

	message := session.Describe(err)

	switch {
	case errors.As(err, &validation):
		return apperrors.Validation(message, validation.Fields)
	case errors.Is(err, clinic.ErrInvalidCredentials):
		return withCode(apperrors.Unauthorized(message), "INVALID_CREDENTIALS")
	case errors.Is(err, session.ErrBusy):
		return withCode(apperrors.Conflict(message), "BUSY")
	case errors.Is(err, session.ErrEnvironmentLocked):
		return withCode(apperrors.Conflict(message), "ENVIRONMENT_LOCKED")
	case errors.Is(err, session.ErrNotReady):
		return withCode(apperrors.Conflict(message), "NOT_READY")
	case errors.Is(err, session.ErrNothingFound):
		return apperrors.NotFound("records", "")
	case errors.Is(err, session.ErrEmptyDocument):
		return apperrors.Unprocessable("EMPTY_DOCUMENT", message)
	case errors.Is(err, session.ErrNoSummarizer):
		return apperrors.Unavailable(message)
	case errors.As(err, &blocked):
		return apperrors.Unprocessable("CONTENT_BLOCKED", message).WithDetail("reason", blocked.Reason)
	case errors.As(err, &service):
		appErr := apperrors.Upstream("SUMMARIZATION_FAILED", message, err)
		if service.TokenLimit {
			appErr.WithDetail("hint", service.Hint())
		}
		return appErr
	case errors.As(err, &connErr):
		return apperrors.Upstream("CLINIC_UNREACHABLE", message, err)
	case errors.As(err, &httpErr):
		appErr := apperrors.Upstream("CLINIC_HTTP_ERROR", message, err).WithDetail("status", strconv.Itoa(httpErr.Status))
		if httpErr.Body != "" {
			appErr.WithDetail("body", httpErr.Body)
		}
		return appErr
	case errors.As(err, &malformed), errors.As(err, &shape):
		return apperrors.Upstream("CLINIC_BAD_RESPONSE", message, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperrors.Unavailable("The request did not complete in time.")
	default:
		return apperrors.Internal(err)
	}
}

func withCode(appErr *apperrors.AppError, code string) *apperrors.AppError {
	appErr.Code = code
	return appErr
}
