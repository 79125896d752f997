package apns

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// APNs request header names.
const (
	HeaderID            = "apns-id"
	HeaderExpiration    = "apns-expiration"
	HeaderPriority      = "apns-priority"
	HeaderTopic         = "apns-topic"
	HeaderCollapseID    = "apns-collapse-id"
	HeaderPushType      = "apns-push-type"
	HeaderAuthorization = "authorization"
	HeaderContentType   = "content-type"
)

const (
	// MaxCollapseIDSize is the largest collapse identifier APNs accepts.
	MaxCollapseIDSize = 64

	// MaxPayloadSize is the largest payload APNs accepts for regular notifications.
	MaxPayloadSize = 4096

	// MaxVoIPPayloadSize is the largest payload APNs accepts for VoIP notifications.
	MaxVoIPPayloadSize = 5120
)

// AuthScheme is how the provider authenticates to APNs.
// The two schemes are mutually exclusive per connection.
type AuthScheme int

const (
	// CertificateScheme authenticates with a TLS client certificate.
	CertificateScheme AuthScheme = iota + 1

	// TokenScheme authenticates with a signed bearer token per request.
	TokenScheme
)

func (s AuthScheme) String() string {
	switch s {
	case CertificateScheme:
		return "certificate"
	case TokenScheme:
		return "token"
	}
	return "unknown"
}

// Request is an APNs HTTP/2 request ready to be sent.
type Request struct {
	Path   string
	Header http.Header
	Body   []byte
}

// Validator checks a notification before any request is built.
// Returned errors should be of KindInvalidOptions.
type Validator func(n *Notification, scheme AuthScheme) error

// topicRequired are push types for which APNs always requires apns-topic.
var topicRequired = map[PushType]bool{
	PushTypeBackground:   true,
	PushTypeVoIP:         true,
	PushTypeComplication: true,
	PushTypeFileProvider: true,
	PushTypeLocation:     true,
	PushTypeLiveActivity: true,
	PushTypePushToTalk:   true,
	PushTypeWidgets:      true,
}

// ValidateCollapseID rejects collapse identifiers over MaxCollapseIDSize bytes.
func ValidateCollapseID(n *Notification, _ AuthScheme) error {
	if len(n.Options.CollapseID) > MaxCollapseIDSize {
		return Errorf(KindInvalidOptions, "collapse id is %d bytes, maximum is %d", len(n.Options.CollapseID), MaxCollapseIDSize)
	}
	return nil
}

// ValidatePriority rejects priorities APNs does not know.
func ValidatePriority(n *Notification, _ AuthScheme) error {
	switch n.Options.Priority {
	case PriorityDefault, PriorityLow, PriorityThrottled, PriorityImmediate:
		return nil
	}
	return Errorf(KindInvalidOptions, "invalid priority: %d", n.Options.Priority)
}

// ValidatePushTypeTopic rejects push types that require a topic when none is set.
func ValidatePushTypeTopic(n *Notification, _ AuthScheme) error {
	pt := n.Options.PushType.effective()
	if topicRequired[pt] && n.Options.Topic == "" {
		return Errorf(KindInvalidOptions, "push type %q requires a topic", pt)
	}
	return nil
}

// RequireTopicForToken rejects token-authenticated notifications without a topic.
// APNs needs the topic to select the app when the connection is not
// bound to a certificate.
func RequireTopicForToken(n *Notification, scheme AuthScheme) error {
	if scheme == TokenScheme && n.Options.Topic == "" {
		return Errorf(KindInvalidOptions, "token authentication requires a topic")
	}
	return nil
}

// DefaultValidators are applied by the client unless replaced.
var DefaultValidators = []Validator{
	ValidateCollapseID,
	ValidatePriority,
	ValidatePushTypeTopic,
}

// PayloadSizeValidator returns a Validator that rejects encoded payloads
// larger than the APNs limit for the notification's push type.
// Payloads are encoded to be measured so serialization errors surface
// as KindSerialize.
func PayloadSizeValidator() Validator {
	return func(n *Notification, _ AuthScheme) error {
		body, err := encodePayload(n.Payload)
		if err != nil {
			return err
		}
		max := MaxPayloadSize
		if n.Options.PushType == PushTypeVoIP {
			max = MaxVoIPPayloadSize
		}
		if len(body) > max {
			return Errorf(KindInvalidOptions, "payload is %d bytes, maximum is %d", len(body), max)
		}
		return nil
	}
}

// Validate runs validators against n, returning the first error.
func Validate(n *Notification, scheme AuthScheme, validators ...Validator) error {
	if n == nil {
		return Errorf(KindInvalidOptions, "nil notification")
	}
	for _, v := range validators {
		if v == nil {
			continue
		}
		if err := v(n, scheme); err != nil {
			return err
		}
	}
	return nil
}

// encodePayload returns the JSON body for payload.
func encodePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, NewError(KindSerialize, errors.New("empty payload"))
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, NewError(KindSerialize, errors.New("payload is not valid JSON"))
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, NewError(KindSerialize, errors.New("payload is not valid JSON"))
		}
		return p, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(KindSerialize, err)
	}
	return body, nil
}

// BuildRequest validates n and builds the APNs request for it.
// In TokenScheme bearer must hold the signed provider token; in
// CertificateScheme it must be empty as the identity is asserted by the
// TLS handshake.
// The device token is used verbatim; APNs reports malformed tokens.
// Only characters that would change the request path are refused.
func BuildRequest(n *Notification, scheme AuthScheme, bearer string, validators ...Validator) (*Request, error) {
	if n == nil {
		return nil, Errorf(KindBuildRequest, "nil notification")
	}
	switch scheme {
	case CertificateScheme:
		if bearer != "" {
			return nil, Errorf(KindBuildRequest, "bearer token with certificate authentication")
		}
	case TokenScheme:
		if bearer == "" {
			return nil, Errorf(KindBuildRequest, "missing bearer token for token authentication")
		}
	default:
		return nil, Errorf(KindBuildRequest, "unknown authentication scheme: %d", scheme)
	}
	if strings.ContainsAny(n.DeviceToken, "/?# ") {
		return nil, Errorf(KindBuildRequest, "invalid characters in device token")
	}
	if err := Validate(n, scheme, validators...); err != nil {
		return nil, err
	}

	body, err := encodePayload(n.Payload)
	if err != nil {
		return nil, err
	}

	h := make(http.Header)
	set := func(k, v string) {
		if strings.ContainsAny(v, "\r\n") {
			err = Errorf(KindBuildRequest, "invalid value for header %s", k)
			return
		}
		h.Set(k, v)
	}

	opts := &n.Options
	set(HeaderContentType, "application/json")
	set(HeaderPushType, string(opts.PushType.effective()))
	if opts.ID != "" {
		set(HeaderID, opts.ID)
	}
	if !opts.Expiration.IsZero() {
		set(HeaderExpiration, strconv.FormatInt(opts.Expiration.Unix(), 10))
	}
	if p := opts.Priority.effective(); p != PriorityImmediate {
		set(HeaderPriority, strconv.Itoa(int(p)))
	}
	if opts.Topic != "" {
		set(HeaderTopic, opts.Topic)
	}
	if opts.CollapseID != "" {
		set(HeaderCollapseID, opts.CollapseID)
	}
	if scheme == TokenScheme {
		set(HeaderAuthorization, "Bearer "+bearer)
	}
	if err != nil {
		return nil, err
	}

	return &Request{
		Path:   "/3/device/" + n.DeviceToken,
		Header: h,
		Body:   body,
	}, nil
}

// String returns a short description of r suitable for logging.
// The authorization header is not included.
func (r *Request) String() string {
	if r == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "POST %s (%d bytes)", r.Path, len(r.Body))
	for _, k := range []string{HeaderPushType, HeaderTopic, HeaderPriority, HeaderID} {
		if v := r.Header.Get(k); v != "" {
			fmt.Fprintf(&b, " %s=%s", k, v)
		}
	}
	return b.String()
}
