package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for the gateway's retry logic.
type Kind int

const (
	Internal Kind = iota
	Unauthenticated
	InvalidArgument
	PermissionDenied
	NotFound
	Conflict
	GatewayError
	MalformedEvent
	SignatureInvalid
	PersistenceFailure
)

var kindNames = map[Kind]string{
	Internal:           "internal",
	Unauthenticated:    "unauthenticated",
	InvalidArgument:    "invalid_argument",
	PermissionDenied:   "permission_denied",
	NotFound:           "not_found",
	Conflict:           "conflict",
	GatewayError:       "gateway_error",
	MalformedEvent:     "malformed_event",
	SignatureInvalid:   "signature_invalid",
	PersistenceFailure: "persistence_failure",
}

// genericMessages are the only texts shown to callers for kinds whose
// detail must stay server-side.
var genericMessages = map[Kind]string{
	Internal:           "internal error",
	GatewayError:       "payment provider unavailable, please try again",
	PersistenceFailure: "failed to save changes, please try again",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// New creates a classified error with a caller-visible message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, &apperr.Error{Kind: apperr.NotFound})
// works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// KindOf returns the kind of the outermost classified error in the chain,
// or Internal when none is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Public returns the message safe to show a caller.
func Public(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return genericMessages[Internal]
	}
	if msg, ok := genericMessages[e.Kind]; ok {
		return msg
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

// HTTPStatus maps a kind to the response status used by every handler.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthenticated:
		return http.StatusUnauthorized
	case InvalidArgument, MalformedEvent, SignatureInvalid:
		return http.StatusBadRequest
	case PermissionDenied:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case GatewayError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
