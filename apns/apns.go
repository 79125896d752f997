// Package apns defines the Apple Push Notification service HTTP/2
// protocol: endpoints, notification options, the wire request built
// from a notification and the interpretation of APNs responses.
//
// Nothing in this package performs I/O. See the client package for a
// connected, authenticated sender.
package apns

import (
	"net"
	"strconv"
	"time"
)

// Endpoint selects the APNs environment.
type Endpoint int

const (
	Production Endpoint = iota
	Sandbox
)

const (
	HostProduction = "api.push.apple.com"
	HostSandbox    = "api.sandbox.push.apple.com"

	// Port is the HTTPS port used for APNs provider connections.
	Port = 443
)

// Host returns the APNs host name of e.
func (e Endpoint) Host() string {
	if e == Sandbox {
		return HostSandbox
	}
	return HostProduction
}

// Addr returns the host:port dial address of e.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host(), strconv.Itoa(Port))
}

func (e Endpoint) String() string {
	if e == Sandbox {
		return "sandbox"
	}
	return "production"
}

// EndpointFor returns Sandbox if sandbox is true, otherwise Production.
func EndpointFor(sandbox bool) Endpoint {
	if sandbox {
		return Sandbox
	}
	return Production
}

// Priority is the delivery priority of a notification (apns-priority).
type Priority int

const (
	// PriorityDefault leaves the priority unset; APNs treats it as PriorityImmediate.
	PriorityDefault Priority = 0

	// PriorityLow prioritizes the device's power considerations over all other factors.
	PriorityLow Priority = 1

	// PriorityThrottled sends the notification based on power considerations on the device.
	PriorityThrottled Priority = 5

	// PriorityImmediate sends the notification immediately.
	PriorityImmediate Priority = 10
)

// effective resolves the default priority.
func (p Priority) effective() Priority {
	if p == PriorityDefault {
		return PriorityImmediate
	}
	return p
}

// PushType is the apns-push-type of a notification.
type PushType string

const (
	PushTypeAlert        PushType = "alert"
	PushTypeBackground   PushType = "background"
	PushTypeVoIP         PushType = "voip"
	PushTypeComplication PushType = "complication"
	PushTypeFileProvider PushType = "fileprovider"
	PushTypeMDM          PushType = "mdm"
	PushTypeLocation     PushType = "location"
	PushTypeLiveActivity PushType = "liveactivity"
	PushTypePushToTalk   PushType = "pushtotalk"
	PushTypeWidgets      PushType = "widgets"
)

// effective resolves the default push type.
func (t PushType) effective() PushType {
	if t == "" {
		return PushTypeAlert
	}
	return t
}

// NotificationOptions are the per-notification APNs request headers.
// Zero values mean the header is not sent (or sent with its default).
type NotificationOptions struct {
	// ID is a canonical UUID identifying the notification (apns-id).
	// If empty APNs generates one and returns it in the response.
	ID string

	// Expiration is when the notification is no longer valid.
	// The zero time means APNs attempts delivery once and does not store it.
	Expiration time.Time

	Priority Priority

	// Topic is typically the bundle ID of the app (apns-topic).
	Topic string

	// CollapseID coalesces notifications with the same identifier
	// into one on the device. At most 64 bytes.
	CollapseID string

	PushType PushType
}

// Notification is a single push notification to a single device.
type Notification struct {
	// DeviceToken is the hex-encoded device token. It is used verbatim.
	DeviceToken string

	// Payload is the JSON body. Values of type []byte and
	// json.RawMessage are sent as-is once checked for JSON validity;
	// anything else is marshalled with encoding/json.
	Payload interface{}

	Options NotificationOptions
}
