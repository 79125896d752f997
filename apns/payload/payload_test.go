package payload

import (
	"encoding/json"
	"errors"
	"testing"
)

func marshal(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestPlain(t *testing.T) {
	p := &Payload{APS: APS{Alert: Text("hi"), Sound: "default", Badge: Badge(1)}}
	if have, want := marshal(t, p), `{"aps":{"alert":"hi","sound":"default","badge":1}}`; have != want {
		t.Errorf("have %s, want %s", have, want)
	}
}

func TestBadgeZero(t *testing.T) {
	p := Plain("hi")
	p.APS.Badge = Badge(0)
	if have, want := marshal(t, p), `{"aps":{"alert":"hi","badge":0}}`; have != want {
		t.Errorf("have %s, want %s", have, want)
	}
}

func TestLocalized(t *testing.T) {
	p := Localized("Title", "Body")
	p.APS.Alert.LocArgs = []string{"a", "b"}
	if have, want := marshal(t, p), `{"aps":{"alert":{"title":"Title","body":"Body","loc-args":["a","b"]}}}`; have != want {
		t.Errorf("have %s, want %s", have, want)
	}
}

func TestSilent(t *testing.T) {
	if have, want := marshal(t, Silent()), `{"aps":{"content-available":1}}`; have != want {
		t.Errorf("have %s, want %s", have, want)
	}
	// value (non-pointer) payloads encode the same
	if have, want := marshal(t, *Silent()), `{"aps":{"content-available":1}}`; have != want {
		t.Errorf("have %s, want %s", have, want)
	}
}

func TestCustomData(t *testing.T) {
	p := Plain("hi")
	p.Custom = map[string]interface{}{
		"z": 1,
		"a": map[string]string{"k": "v"},
	}
	if have, want := marshal(t, p), `{"aps":{"alert":"hi"},"a":{"k":"v"},"z":1}`; have != want {
		t.Errorf("have %s, want %s", have, want)
	}
}

func TestReservedKey(t *testing.T) {
	p := Plain("hi")
	p.Custom = map[string]interface{}{"aps": "nope"}
	_, err := json.Marshal(p)
	if !errors.Is(err, ErrReservedKey) {
		t.Errorf("have %v, want %v", err, ErrReservedKey)
	}
}

func TestEmptyAlertOmitted(t *testing.T) {
	p := &Payload{APS: APS{Alert: &Alert{}, Category: "c"}}
	if have, want := marshal(t, p), `{"aps":{"category":"c"}}`; have != want {
		t.Errorf("have %s, want %s", have, want)
	}
}
