package apns

import (
	"encoding/json"
	"net/http"
	"time"
)

// Reason is the APNs error string returned with a rejected notification.
type Reason string

const (
	ReasonBadCollapseID               Reason = "BadCollapseId"
	ReasonBadDeviceToken              Reason = "BadDeviceToken"
	ReasonBadExpirationDate           Reason = "BadExpirationDate"
	ReasonBadMessageID                Reason = "BadMessageId"
	ReasonBadPriority                 Reason = "BadPriority"
	ReasonBadTopic                    Reason = "BadTopic"
	ReasonDeviceTokenNotForTopic      Reason = "DeviceTokenNotForTopic"
	ReasonDuplicateHeaders            Reason = "DuplicateHeaders"
	ReasonIdleTimeout                 Reason = "IdleTimeout"
	ReasonInvalidPushType             Reason = "InvalidPushType"
	ReasonMissingDeviceToken          Reason = "MissingDeviceToken"
	ReasonMissingTopic                Reason = "MissingTopic"
	ReasonPayloadEmpty                Reason = "PayloadEmpty"
	ReasonTopicDisallowed             Reason = "TopicDisallowed"
	ReasonBadCertificate              Reason = "BadCertificate"
	ReasonBadCertificateEnvironment   Reason = "BadCertificateEnvironment"
	ReasonExpiredProviderToken        Reason = "ExpiredProviderToken"
	ReasonForbidden                   Reason = "Forbidden"
	ReasonInvalidProviderToken        Reason = "InvalidProviderToken"
	ReasonMissingProviderToken        Reason = "MissingProviderToken"
	ReasonUnrelatedKeyIDInToken       Reason = "UnrelatedKeyIdInToken"
	ReasonBadPath                     Reason = "BadPath"
	ReasonMethodNotAllowed            Reason = "MethodNotAllowed"
	ReasonExpiredToken                Reason = "ExpiredToken"
	ReasonUnregistered                Reason = "Unregistered"
	ReasonPayloadTooLarge             Reason = "PayloadTooLarge"
	ReasonTooManyProviderTokenUpdates Reason = "TooManyProviderTokenUpdates"
	ReasonTooManyRequests             Reason = "TooManyRequests"
	ReasonInternalServerError         Reason = "InternalServerError"
	ReasonServiceUnavailable          Reason = "ServiceUnavailable"
	ReasonShutdown                    Reason = "Shutdown"

	// ReasonUnknown is used when the response body has no parseable reason.
	ReasonUnknown Reason = "Unknown"
)

var reasonDescriptions = map[Reason]string{
	ReasonBadCollapseID:               "the collapse identifier exceeds the maximum allowed size",
	ReasonBadDeviceToken:              "the specified device token is invalid",
	ReasonBadExpirationDate:           "the apns-expiration value is invalid",
	ReasonBadMessageID:                "the apns-id value is invalid",
	ReasonBadPriority:                 "the apns-priority value is invalid",
	ReasonBadTopic:                    "the apns-topic value is invalid",
	ReasonDeviceTokenNotForTopic:      "the device token doesn't match the specified topic",
	ReasonDuplicateHeaders:            "one or more headers are repeated",
	ReasonIdleTimeout:                 "idle timeout",
	ReasonInvalidPushType:             "the apns-push-type value is invalid",
	ReasonMissingDeviceToken:          "the device token isn't specified in the request path",
	ReasonMissingTopic:                "the apns-topic header is missing and required",
	ReasonPayloadEmpty:                "the message payload is empty",
	ReasonTopicDisallowed:             "pushing to this topic is not allowed",
	ReasonBadCertificate:              "the certificate is invalid",
	ReasonBadCertificateEnvironment:   "the client certificate is for the wrong environment",
	ReasonExpiredProviderToken:        "the provider token is stale and a new token should be generated",
	ReasonForbidden:                   "the specified action is not allowed",
	ReasonInvalidProviderToken:        "the provider token is not valid, or the token signature can't be verified",
	ReasonMissingProviderToken:        "no provider certificate was used to connect to APNs, and the authorization header is missing or no provider token is specified",
	ReasonUnrelatedKeyIDInToken:       "the key ID in the provider token isn't related to the key ID of the token used in the first push of this connection",
	ReasonBadPath:                     "the request contained an invalid :path value",
	ReasonMethodNotAllowed:            "the specified :method value isn't POST",
	ReasonExpiredToken:                "the device token has expired",
	ReasonUnregistered:                "the device token is inactive for the specified topic",
	ReasonPayloadTooLarge:             "the message payload is too large",
	ReasonTooManyProviderTokenUpdates: "the provider's authentication token is being updated too often",
	ReasonTooManyRequests:             "too many requests were made consecutively to the same device token",
	ReasonInternalServerError:         "an internal server error occurred",
	ReasonServiceUnavailable:          "the service is unavailable",
	ReasonShutdown:                    "the APNs server is shutting down",
	ReasonUnknown:                     "unknown error",
}

// Description returns Apple's human readable description of r.
func (r Reason) Description() string {
	if d, ok := reasonDescriptions[r]; ok {
		return d
	}
	return string(r)
}

// DeviceTokenInvalid reports whether r means the device token should no
// longer be used for this topic.
func (r Reason) DeviceTokenInvalid() bool {
	switch r {
	case ReasonBadDeviceToken, ReasonDeviceTokenNotForTopic, ReasonExpiredToken, ReasonUnregistered:
		return true
	}
	return false
}

// ProviderTokenRejected reports whether r means the provider token (or
// the key that signed it) was rejected.
func (r Reason) ProviderTokenRejected() bool {
	switch r {
	case ReasonExpiredProviderToken, ReasonInvalidProviderToken, ReasonMissingProviderToken, ReasonUnrelatedKeyIDInToken:
		return true
	}
	return false
}

// Retryable reports whether sending the same notification again later
// may succeed. Retry policy is up to the caller.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonIdleTimeout, ReasonExpiredProviderToken, ReasonTooManyProviderTokenUpdates,
		ReasonTooManyRequests, ReasonInternalServerError, ReasonServiceUnavailable, ReasonShutdown:
		return true
	}
	return false
}

// Response is the interpreted APNs reply to a notification.
type Response struct {
	StatusCode int `json:"status"`

	// ID is the apns-id of the notification, if APNs returned one.
	ID string `json:"apns_id,omitempty"`

	// Reason is set for rejected notifications.
	Reason Reason `json:"reason,omitempty"`

	// Timestamp is the last time APNs confirmed the device token was no
	// longer valid for the topic, in milliseconds since the Unix epoch.
	// Zero if not present.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Accepted reports whether APNs accepted the notification.
func (r *Response) Accepted() bool {
	return r != nil && r.StatusCode == http.StatusOK
}

// Time returns Timestamp as a time.Time or the zero time if unset.
func (r *Response) Time() time.Time {
	if r == nil || r.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.Timestamp)
}

// errorBody is the JSON body of a rejected notification.
type errorBody struct {
	Reason    string      `json:"reason"`
	Timestamp json.Number `json:"timestamp"`
}

// millis returns the timestamp in milliseconds or 0 if absent or invalid.
func (b *errorBody) millis() int64 {
	if b.Timestamp == "" {
		return 0
	}
	if i, err := b.Timestamp.Int64(); err == nil {
		return i
	}
	if f, err := b.Timestamp.Float64(); err == nil {
		return int64(f)
	}
	return 0
}

// Interpret converts an APNs HTTP status, headers and body into a Response.
// A failure body that cannot be parsed results in ReasonUnknown: the
// status is the primary signal and is never lost.
func Interpret(status int, header http.Header, body []byte) *Response {
	r := &Response{
		StatusCode: status,
		ID:         header.Get(HeaderID),
	}
	if status == http.StatusOK {
		return r
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Reason == "" {
		r.Reason = ReasonUnknown
		return r
	}
	r.Reason = Reason(eb.Reason)
	r.Timestamp = eb.millis()
	return r
}
