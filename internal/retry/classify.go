package retry

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// nonTransientNames are error names that never succeed on retry. They are
// matched case-insensitively against the error text.
var nonTransientNames = []string{
	"InvalidApiKey",
	"AuthenticationError",
	"Unauthorized",
	"ValidationError",
	"ContentPolicyViolation",
	"InvalidRequestError",
	"PermissionDenied",
	"Forbidden",
	"NotFound",
	"BadRequest",
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"econnreset",
	"econnrefused",
	"connection reset",
	"connection refused",
	"socket hang up",
	"network",
	"rate limit",
	"too many requests",
	"temporarily unavailable",
	"service unavailable",
	"overloaded",
	"capacity",
	"retry",
}

var (
	authStatusRe      = regexp.MustCompile(`\b(401|403)\b`)
	transientStatusRe = regexp.MustCompile(`\b(408|429|500|502|503|504)\b`)
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as never retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsTransient reports whether err is worth retrying. Cancellation, errors
// marked Permanent, authentication failures and the known non-transient names
// are permanent; known transient status codes and network keywords retry;
// anything unrecognised is treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || IsPermanent(err) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch code := sc.HTTPStatus(); {
		case code == 401 || code == 403:
			return false
		case code == 408 || code == 429 || code >= 500:
			return true
		case code >= 400:
			return false
		}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, name := range nonTransientNames {
		if strings.Contains(lower, strings.ToLower(name)) {
			return false
		}
	}
	if authStatusRe.MatchString(msg) {
		return false
	}
	if transientStatusRe.MatchString(msg) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return true
}
