package api

import (
	"fmt"

	"github.com/micromdm/nanoapns/apns"
)

// DeviceResult is the per-device token result of the push API.
type DeviceResult struct {
	// PushError is present if there was an error sending the notification.
	PushError *Error `json:"push_error,omitempty"`

	// PushID is the "apns-id" of the notification.
	PushID string `json:"push_result,omitempty"`

	// Response is the APNs response, if one was received.
	Response *apns.Response `json:"response,omitempty"`
}

// APIResult is the result of the push API.
type APIResult struct {
	// Topic is the APNs topic the notifications were sent to.
	Topic string `json:"topic,omitempty"`

	// Status is the per-device token results.
	// Map key is the device token.
	Status map[string]DeviceResult `json:"status,omitempty"`

	// PushError is present if there was an error sending the notifications.
	PushError *Error `json:"push_error,omitempty"`
}

// Error distills the APIResult errors to a simple error or returns nil.
// If more than one device token has an error the last one seen is returned.
func (r *APIResult) Error() error {
	if r == nil {
		return nil
	}

	var errCt int
	var statusErr error
	var statusErrToken string
	for token, result := range r.Status {
		if result.PushError != nil {
			errCt++
			statusErr = result.PushError
			statusErrToken = token
		}
	}

	switch {
	case r.PushError != nil && errCt > 0:
		return fmt.Errorf("push error: %w; status errors (%d): last error for %s: %v", r.PushError, errCt, statusErrToken, statusErr)
	case r.PushError != nil:
		return fmt.Errorf("push error: %w", r.PushError)
	case errCt > 0:
		return fmt.Errorf("status errors (%d): last error for %s: %w", errCt, statusErrToken, statusErr)
	}
	return nil
}
