package frames

import (
	"encoding/json"
	"testing"
)

func TestLooksLikeMediaEvent(t *testing.T) {
	cases := map[string]bool{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`:                       true,
		`{"event":"start","start":{"callSid":"CA1","streamSid":"MZ1"}}`:                   true,
		`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","payload":"//8="}}`: true,
		`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`:                     true,
		`{"event":"media","media":{}}`:                                                    false,
		`{"type":"ping"}`:                                                                 false,
		`{"event":"start"}`:                                                               false,
		`not json`:                                                                        false,
	}
	for in, want := range cases {
		if got := LooksLikeMediaEvent([]byte(in)); got != want {
			t.Fatalf("%s: expected %v, got %v", in, want, got)
		}
	}
}

func TestSalvageCallIDPriority(t *testing.T) {
	ev, _ := ParseMediaEvent([]byte(`{"event":"start","streamSid":"MZtop","start":{"callSid":"CA1","streamSid":"MZ1"}}`))
	if got := ev.SalvageCallID(); got != "CA1" {
		t.Fatalf("expected CA1, got %s", got)
	}
	ev, _ = ParseMediaEvent([]byte(`{"event":"start","start":{"streamSid":"MZ1"}}`))
	if got := ev.SalvageCallID(); got != "MZ1" {
		t.Fatalf("expected MZ1, got %s", got)
	}
	ev, _ = ParseMediaEvent([]byte(`{"event":"media","streamSid":"MZtop","media":{"payload":"AA=="}}`))
	if got := ev.SalvageCallID(); got != "MZtop" {
		t.Fatalf("expected MZtop, got %s", got)
	}
	ev, _ = ParseMediaEvent([]byte(`{"event":"media","media":{"payload":"AA=="}}`))
	if got := ev.SalvageCallID(); got != "" {
		t.Fatalf("expected empty id, got %s", got)
	}
}

func TestParseMediaEventIgnoresUnknownFields(t *testing.T) {
	ev, err := ParseMediaEvent([]byte(`{"event":"media","sequenceNumber":"4","extra":{"x":1},"media":{"payload":"AA==","chunk":"3"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.SequenceNumber != "4" || ev.Media.Chunk != "3" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, err := ParseMediaEvent([]byte(`{"foo":"bar"}`)); err != ErrNotMediaEvent {
		t.Fatalf("expected ErrNotMediaEvent, got %v", err)
	}
}

func TestEnvelopeShape(t *testing.T) {
	b, err := json.Marshal(Envelope{Type: EventLiveTranscript, Data: LiveTranscript{CallID: "call-1", Text: "hello there."}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(b, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if generic["type"] != "live_transcript" {
		t.Fatalf("unexpected type %v", generic["type"])
	}
	data, _ := generic["data"].(map[string]any)
	if data["text"] != "hello there." || data["callId"] != "call-1" {
		t.Fatalf("unexpected data %v", data)
	}
}
