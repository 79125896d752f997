package api

import (
	"encoding/json"
	"errors"

	"github.com/micromdm/nanoapns/apns"
)

// Error wraps errors for JSON with their APNs error kind, if any.
type Error struct {
	Err error

	// Kind is the apns.Kind name of Err. Empty for errors from outside
	// the APNs client.
	Kind string
}

type errorJSON struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// NewError wraps err. A nil err returns nil.
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	e := &Error{Err: err}
	if kind := apns.KindOf(err); kind != apns.KindUnknown {
		e.Kind = kind.String()
	}
	return e
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MarshalJSON renders the error as an object with its message and kind.
func (e *Error) MarshalJSON() ([]byte, error) {
	if e == nil || e.Err == nil {
		return []byte(`null`), nil
	}
	return json.Marshal(errorJSON{Message: e.Err.Error(), Kind: e.Kind})
}

// UnmarshalJSON replaces the contained error with a plain string error.
// Both the object form and a bare JSON string are accepted.
func (e *Error) UnmarshalJSON(b []byte) error {
	if e == nil {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		e.Err = errors.New(s)
		e.Kind = ""
		return nil
	}
	var ej errorJSON
	if err := json.Unmarshal(b, &ej); err != nil {
		return err
	}
	e.Err = errors.New(ej.Message)
	e.Kind = ej.Kind
	return nil
}
