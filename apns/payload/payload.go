// Package payload builds APNs notification payloads: the "aps"
// dictionary plus any custom top-level keys.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
)

// ErrReservedKey is returned when marshalling a Payload with a custom "aps" key.
var ErrReservedKey = errors.New(`custom data may not use the reserved "aps" key`)

// Interruption levels for APS.InterruptionLevel.
const (
	InterruptionPassive       = "passive"
	InterruptionActive        = "active"
	InterruptionTimeSensitive = "time-sensitive"
	InterruptionCritical      = "critical"
)

// Alert is the "alert" value of the aps dictionary.
// An Alert with only Body set is encoded as a plain string.
type Alert struct {
	Title           string   `json:"title,omitempty"`
	Subtitle        string   `json:"subtitle,omitempty"`
	Body            string   `json:"body,omitempty"`
	LaunchImage     string   `json:"launch-image,omitempty"`
	TitleLocKey     string   `json:"title-loc-key,omitempty"`
	TitleLocArgs    []string `json:"title-loc-args,omitempty"`
	SubtitleLocKey  string   `json:"subtitle-loc-key,omitempty"`
	SubtitleLocArgs []string `json:"subtitle-loc-args,omitempty"`
	ActionLocKey    string   `json:"action-loc-key,omitempty"`
	LocKey          string   `json:"loc-key,omitempty"`
	LocArgs         []string `json:"loc-args,omitempty"`
}

func (a Alert) bodyOnly() bool {
	b := a
	b.Body = ""
	return a.Body != "" && b.isZero()
}

func (a Alert) isZero() bool {
	return a.Title == "" && a.Subtitle == "" && a.Body == "" &&
		a.LaunchImage == "" && a.TitleLocKey == "" && len(a.TitleLocArgs) == 0 &&
		a.SubtitleLocKey == "" && len(a.SubtitleLocArgs) == 0 &&
		a.ActionLocKey == "" && a.LocKey == "" && len(a.LocArgs) == 0
}

// MarshalJSON implements json.Marshaler.
func (a Alert) MarshalJSON() ([]byte, error) {
	if a.bodyOnly() {
		return json.Marshal(a.Body)
	}
	type alert Alert
	return json.Marshal(alert(a))
}

// APS is the Apple-defined "aps" dictionary.
// Fields are encoded in declaration order.
type APS struct {
	Alert *Alert `json:"alert,omitempty"`
	Sound string `json:"sound,omitempty"`

	// Badge is a pointer so that zero (clearing the badge) can be sent.
	Badge *int `json:"badge,omitempty"`

	ContentAvailable  int      `json:"content-available,omitempty"`
	MutableContent    int      `json:"mutable-content,omitempty"`
	Category          string   `json:"category,omitempty"`
	ThreadID          string   `json:"thread-id,omitempty"`
	TargetContentID   string   `json:"target-content-id,omitempty"`
	InterruptionLevel string   `json:"interruption-level,omitempty"`
	RelevanceScore    *float64 `json:"relevance-score,omitempty"`
	URLArgs           []string `json:"url-args,omitempty"`
}

// Payload is a complete notification payload.
type Payload struct {
	APS APS

	// Custom holds additional top-level keys encoded after "aps" in
	// key order. The "aps" key is reserved.
	Custom map[string]interface{}
}

// Text returns an Alert with only a body. It encodes as a plain string.
func Text(body string) *Alert {
	return &Alert{Body: body}
}

// Plain creates an alert payload with body as the alert text.
func Plain(body string) *Payload {
	return &Payload{APS: APS{Alert: Text(body)}}
}

// Localized creates an alert payload with a title and body.
func Localized(title, body string) *Payload {
	return &Payload{APS: APS{Alert: &Alert{Title: title, Body: body}}}
}

// Silent creates a background update payload (content-available) with no alert.
func Silent() *Payload {
	return &Payload{APS: APS{ContentAvailable: 1}}
}

// Badge returns a pointer to n for use as APS.Badge.
func Badge(n int) *int {
	return &n
}

// RelevanceScore returns a pointer to score for use as APS.RelevanceScore.
func RelevanceScore(score float64) *float64 {
	return &score
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	aps := p.APS
	if aps.Alert != nil && aps.Alert.isZero() {
		aps.Alert = nil
	}
	apsJSON, err := json.Marshal(&aps)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(p.Custom))
	for k := range p.Custom {
		if k == "aps" {
			return nil, ErrReservedKey
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(`{"aps":`)
	buf.Write(apsJSON)
	for _, k := range keys {
		kJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vJSON, err := json.Marshal(p.Custom[k])
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(kJSON)
		buf.WriteByte(':')
		buf.Write(vJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
