// Package bwserrors defines the error kinds shared across BWS components
// and the HTTP status each kind maps to at the handler boundary.
package bwserrors

import (
	"errors"
	"net/http"
)

// Kind classifies a failure into a fixed, enumerable set. Handlers
// translate a Kind to an HTTP status; they never leak the underlying
// error's text to the client.
type Kind int

const (
	// KindUnknown is the zero value; Status returns 500 for it.
	KindUnknown Kind = iota
	KindConfigInvalid
	KindPathTraversal
	KindNotFound
	KindNoUpstreamAvailable
	KindUpstreamTimeout
	KindUpstreamIOError
	KindTLSHandshakeFailed
	KindAcmeFailed
	KindReloadValidationFailed
	KindResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindPathTraversal:
		return "PathTraversal"
	case KindNotFound:
		return "NotFound"
	case KindNoUpstreamAvailable:
		return "NoUpstreamAvailable"
	case KindUpstreamTimeout:
		return "UpstreamTimeout"
	case KindUpstreamIOError:
		return "UpstreamIoError"
	case KindTLSHandshakeFailed:
		return "TlsHandshakeFailed"
	case KindAcmeFailed:
		return "AcmeFailed"
	case KindReloadValidationFailed:
		return "ReloadValidationFailed"
	case KindResourceExhausted:
		return "ResourceExhausted"
	default:
		return "Unknown"
	}
}

// Status returns the HTTP status a handler should send for this kind
// when no response headers have been written yet.
func (k Kind) Status() int {
	switch k {
	case KindConfigInvalid, KindReloadValidationFailed:
		return http.StatusBadRequest
	case KindPathTraversal:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindNoUpstreamAvailable, KindUpstreamIOError:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps an underlying cause with a Kind so callers can both
// branch on the kind and preserve the original error for logging.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a *Error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindUnknown if err
// does not carry one.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

var (
	// ErrNoSiteMatched is returned by the site router when neither an
	// exact host match nor a default site exists for the listener key.
	ErrNoSiteMatched = New(KindNotFound, "no site configured for this host")
)
