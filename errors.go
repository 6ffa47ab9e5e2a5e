package durablestreams

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind discriminates the Durable Streams error taxonomy. Callers switch on
// Kind to discriminate failures instead of comparing against sentinel error
// values.
type Kind string

const (
	KindNotFound               Kind = "NOT_FOUND"
	KindConflictExists         Kind = "CONFLICT_EXISTS"
	KindConflictSeq            Kind = "CONFLICT_SEQ"
	KindStaleEpoch             Kind = "STALE_EPOCH"
	KindSequenceGap            Kind = "SEQUENCE_GAP"
	KindBadRequest             Kind = "BAD_REQUEST"
	KindRetentionGone          Kind = "RETENTION_GONE"
	KindRateLimited            Kind = "RATE_LIMITED"
	KindBusy                   Kind = "BUSY"
	KindUnauthorized           Kind = "UNAUTHORIZED"
	KindForbidden              Kind = "FORBIDDEN"
	KindHTTPError              Kind = "HTTP_ERROR"
	KindParseError             Kind = "PARSE_ERROR"
	KindSSENotSupported        Kind = "SSE_NOT_SUPPORTED"
	KindSSEBytesNotSupported   Kind = "SSE_BYTES_NOT_SUPPORTED"
	KindSSEReadAllNotSupported Kind = "SSE_READ_ALL_NOT_SUPPORTED"
	KindAlreadyConsumed        Kind = "ALREADY_CONSUMED"
	KindAlreadyClosed          Kind = "ALREADY_CLOSED"
	KindNetworkError           Kind = "NETWORK_ERROR"
	KindTimeout                Kind = "TIMEOUT"
	KindInvalidArgument        Kind = "INVALID_ARGUMENT"
	KindInternalError          Kind = "INTERNAL_ERROR"
)

// Error is the single error type surfaced by this module. It carries enough
// structure (Kind, optional HTTP Status, optional server Code) for callers to
// discriminate programmatically without type assertions on named error
// values.
type Error struct {
	Kind      Kind
	Message   string
	Status    int
	Code      string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("durablestreams: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("durablestreams: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// errorFromStatus maps a non-2xx HTTP status code to a protocol error Kind.
// op is a short verb ("read", "append", "head", ...) used only to make the
// message readable.
func errorFromStatus(op string, status int, body []byte) *Error {
	msg := fmt.Sprintf("%s failed with status %d", op, status)
	if len(body) > 0 && len(body) < 512 {
		msg = fmt.Sprintf("%s: %s", msg, string(body))
	}

	kind := KindHTTPError
	switch status {
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusConflict:
		kind = KindConflictExists
	case http.StatusGone:
		kind = KindRetentionGone
	case http.StatusTooManyRequests:
		kind = KindRateLimited
	case http.StatusServiceUnavailable:
		kind = KindBusy
	case http.StatusUnauthorized:
		kind = KindUnauthorized
	case http.StatusForbidden:
		kind = KindForbidden
	case http.StatusBadRequest:
		kind = KindBadRequest
	}

	return &Error{Kind: kind, Message: msg, Status: status}
}

// AsError unwraps err into a *Error, matching the errors.As idiom used
// throughout the rest of this module's call sites.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}
