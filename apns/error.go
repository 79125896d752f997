package apns

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the origin of an Error.
type Kind int

const (
	KindUnknown Kind = iota

	// KindSerialize means the notification payload could not be encoded as JSON.
	KindSerialize

	// KindConnection is a transport-level failure (dial, TLS handshake,
	// socket or HTTP/2 protocol error).
	KindConnection

	// KindSigner means a provider token could not be signed.
	KindSigner

	// KindResponse means APNs rejected the notification.
	// The Error carries the interpreted Response.
	KindResponse

	// KindInvalidOptions is a locally detectable problem with the
	// notification options, found before any network I/O.
	KindInvalidOptions

	// KindRead means certificate or key material could not be read.
	KindRead

	// KindTLS means the TLS configuration could not be built.
	KindTLS

	// KindBuildRequest means the HTTP request could not be constructed.
	KindBuildRequest

	// KindTimeout means no response arrived within the deadline.
	KindTimeout

	// KindUnexpectedKey means a private key is of an unsupported type.
	// Only P-256 EC keys are supported for provider tokens.
	KindUnexpectedKey

	// KindInvalidCertificate means a certificate container could not be
	// decoded or decrypted.
	KindInvalidCertificate
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindSerialize:          "serialize",
	KindConnection:         "connection",
	KindSigner:             "signer",
	KindResponse:           "response",
	KindInvalidOptions:     "invalid options",
	KindRead:               "read",
	KindTLS:                "tls",
	KindBuildRequest:       "build request",
	KindTimeout:            "timeout",
	KindUnexpectedKey:      "unexpected key",
	KindInvalidCertificate: "invalid certificate",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type returned by this module for APNs operations.
// Callers branch on Kind, and for KindResponse on Response.Reason.
type Error struct {
	Kind Kind

	// Err is the underlying cause, if any.
	Err error

	// Response is set for KindResponse.
	Response *Response

	// Timeout is set for KindTimeout.
	Timeout time.Duration
}

// Sentinel errors for use with errors.Is. They match any *Error of the
// same Kind.
var (
	ErrSerialize          = &Error{Kind: KindSerialize}
	ErrConnection         = &Error{Kind: KindConnection}
	ErrSigner             = &Error{Kind: KindSigner}
	ErrResponse           = &Error{Kind: KindResponse}
	ErrInvalidOptions     = &Error{Kind: KindInvalidOptions}
	ErrRead               = &Error{Kind: KindRead}
	ErrTLS                = &Error{Kind: KindTLS}
	ErrBuildRequest       = &Error{Kind: KindBuildRequest}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrUnexpectedKey      = &Error{Kind: KindUnexpectedKey}
	ErrInvalidCertificate = &Error{Kind: KindInvalidCertificate}
)

// NewError creates a new Error of kind wrapping err.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf creates a new Error of kind with a formatted cause.
func Errorf(kind Kind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, a...)}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case KindSerialize:
		return "serializing to JSON: " + e.cause()
	case KindConnection:
		return "connecting to APNs: " + e.cause()
	case KindSigner:
		return "creating a signature: " + e.cause()
	case KindResponse:
		reason := ReasonUnknown
		if e.Response != nil && e.Response.Reason != "" {
			reason = e.Response.Reason
		}
		return fmt.Sprintf("notification was not accepted by APNs (reason: %s)", reason)
	case KindInvalidOptions:
		return "invalid options for APNs payload: " + e.cause()
	case KindRead:
		return "reading certificate or key: " + e.cause()
	case KindTLS:
		return "building TLS config: " + e.cause()
	case KindBuildRequest:
		return "constructing HTTP request: " + e.cause()
	case KindTimeout:
		return fmt.Sprintf("request timed out after %d s", e.TimeoutSeconds())
	case KindUnexpectedKey:
		return "unexpected private key: " + e.cause()
	case KindInvalidCertificate:
		if e.Err == nil {
			return "invalid certificate"
		}
		return "invalid certificate: " + e.cause()
	}
	return "apns error: " + e.cause()
}

func (e *Error) cause() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// TimeoutSeconds returns the timeout rounded down to whole seconds.
func (e *Error) TimeoutSeconds() uint64 {
	if e == nil || e.Timeout < 0 {
		return 0
	}
	return uint64(e.Timeout / time.Second)
}

// KindOf returns the Kind of the first *Error in err's chain or
// KindUnknown if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
