package dashsync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind partitions every failure surfaced by this package.
// Classification happens once at the transport boundary so that callers
// switch on kind and never inspect status codes or error strings.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindCancelled
	ErrorKindNotFound
	ErrorKindUnavailable
	ErrorKindTimeout
	ErrorKindConflict
	ErrorKindNegotiationFailed
	ErrorKindNetwork
)

func (self ErrorKind) String() string {
	switch self {
	case ErrorKindCancelled:
		return "cancelled"
	case ErrorKindNotFound:
		return "not_found"
	case ErrorKindUnavailable:
		return "unavailable"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindConflict:
		return "conflict"
	case ErrorKindNegotiationFailed:
		return "negotiation_failed"
	case ErrorKindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// UserMessage is the stable presentation string for the kind.
// Surfaces show these verbatim so that equal failures read equally
// everywhere in the ui.
func (self ErrorKind) UserMessage() string {
	switch self {
	case ErrorKindCancelled:
		return "The request was cancelled."
	case ErrorKindNotFound:
		return "The requested data was not found."
	case ErrorKindUnavailable:
		return "The service is temporarily unavailable. Please try again shortly."
	case ErrorKindTimeout:
		return "The request timed out. Please check your connection and try again."
	case ErrorKindConflict:
		return "An entry with this id already exists."
	case ErrorKindNegotiationFailed:
		return "Could not set up the realtime connection."
	case ErrorKindNetwork:
		return "A network error occurred. Please check your connection."
	default:
		return "Something went wrong. Please try again."
	}
}

type RequestError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (self *RequestError) Error() string {
	if self.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", self.Kind, self.StatusCode, self.Message)
	}
	return fmt.Sprintf("%s: %s", self.Kind, self.Message)
}

func NewRequestError(kind ErrorKind, message string) *RequestError {
	return &RequestError{
		Kind:    kind,
		Message: message,
	}
}

// classifyStatus maps a non-2xx http status to a kind.
func classifyStatus(statusCode int, message string) *RequestError {
	var kind ErrorKind
	switch statusCode {
	case 404:
		kind = ErrorKindNotFound
	case 408:
		kind = ErrorKindTimeout
	case 409:
		kind = ErrorKindConflict
	case 502, 503, 504:
		kind = ErrorKindUnavailable
	default:
		kind = ErrorKindUnknown
	}
	return &RequestError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
	}
}

// classifyTransport maps a failure from the http client itself,
// before any status code exists.
func classifyTransport(err error) *RequestError {
	kind := ErrorKindNetwork
	if errors.Is(err, context.Canceled) {
		kind = ErrorKindCancelled
	} else if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrorKindTimeout
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = ErrorKindTimeout
		}
	}
	return &RequestError{
		Kind:    kind,
		Message: err.Error(),
	}
}

// KindOf extracts the kind from any error returned by this package.
// Errors that bypassed classification fall back to the context sentinels
// so that cancellation is never misreported.
func KindOf(err error) ErrorKind {
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	return ErrorKindUnknown
}
