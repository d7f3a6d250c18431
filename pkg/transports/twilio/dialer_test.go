package twilio

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/transports"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	last  *api.CreateCallParams
	calls int
	sid   string
	err   error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.calls++
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func newStubDialer(cfg Config, stub *stubCreator) *Dialer {
	d := NewDialer(cfg)
	d.client = stub
	return d
}

func TestDialPointsCallAtVoiceWebhook(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	d := newStubDialer(Config{AccountSID: "AC1", AuthToken: "token", PublicURL: "https://scribe.example.com/"}, stub)

	sid, err := d.Dial(context.Background(), "+15550001111", "+15550002222", "")
	if err != nil || sid != "CA123" {
		t.Fatalf("unexpected dial result %q %v", sid, err)
	}
	p := stub.last
	if *p.To != "+15550001111" || *p.From != "+15550002222" {
		t.Fatalf("unexpected numbers to=%s from=%s", *p.To, *p.From)
	}
	if p.Url == nil || *p.Url != "https://scribe.example.com/voice" {
		t.Fatalf("expected voice webhook url, got %v", p.Url)
	}
	if p.StatusCallback == nil || *p.StatusCallback != "https://scribe.example.com/status" {
		t.Fatalf("expected status callback on the public url")
	}
	if p.Twiml != nil {
		t.Fatalf("webhook dial must not send inline twiml")
	}
}

func TestDialWithOptions(t *testing.T) {
	stub := &stubCreator{sid: "CA777"}
	d := newStubDialer(Config{AccountSID: "AC1", AuthToken: "token"}, stub)

	_, err := d.DialWithOptions(context.Background(), "+100", "+200", "https://override.example.com/voice",
		transports.DialOptions{SendDigits: "W123#", StatusCallback: "https://hooks.example.com/done"})
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	p := stub.last
	if *p.Url != "https://override.example.com/voice" {
		t.Fatalf("expected override url, got %s", *p.Url)
	}
	if p.SendDigits == nil || *p.SendDigits != "W123#" {
		t.Fatalf("expected SendDigits param")
	}
	if p.StatusCallback == nil || *p.StatusCallback != "https://hooks.example.com/done" {
		t.Fatalf("expected explicit status callback")
	}
}

func TestDialInlineStreamsWithoutWebhook(t *testing.T) {
	stub := &stubCreator{sid: "CA555"}
	cfg := Config{AccountSID: "AC1", AuthToken: "token", PublicURL: "scribe.example.com", Track: frames.TrackBoth}
	d := newStubDialer(cfg, stub)

	if _, err := d.DialWithOptions(context.Background(), "+100", "+200", "", transports.DialOptions{Inline: true}); err != nil {
		t.Fatalf("dial error: %v", err)
	}
	p := stub.last
	if p.Url != nil {
		t.Fatalf("inline dial must not set a url")
	}
	if p.Twiml == nil || !strings.Contains(*p.Twiml, `<Stream url="wss://scribe.example.com/media" track="both_tracks"/>`) {
		t.Fatalf("unexpected inline twiml %v", p.Twiml)
	}

	noPublic := newStubDialer(Config{AccountSID: "AC1", AuthToken: "token"}, &stubCreator{})
	if _, err := noPublic.DialWithOptions(context.Background(), "+100", "+200", "", transports.DialOptions{Inline: true}); err == nil {
		t.Fatalf("expected inline dial without public url to fail")
	}
}

func TestDialRejectsBadInput(t *testing.T) {
	cases := []struct {
		name     string
		cfg      Config
		to, from string
	}{
		{"credentials", Config{}, "+100", "+200"},
		{"to", Config{AccountSID: "AC1", AuthToken: "token"}, "", "+200"},
		{"from", Config{AccountSID: "AC1", AuthToken: "token"}, "+100", ""},
	}
	for _, tc := range cases {
		stub := &stubCreator{sid: "CA1"}
		if _, err := newStubDialer(tc.cfg, stub).Dial(context.Background(), tc.to, tc.from, ""); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if stub.calls != 0 {
			t.Fatalf("%s: no call should be created", tc.name)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stub := &stubCreator{sid: "CA1"}
	if _, err := newStubDialer(Config{AccountSID: "AC1", AuthToken: "token"}, stub).Dial(ctx, "+100", "+200", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestDialSurfacesProviderError(t *testing.T) {
	stub := &stubCreator{err: errors.New("20003 authenticate")}
	_, err := newStubDialer(Config{AccountSID: "AC1", AuthToken: "token"}, stub).Dial(context.Background(), "+100", "+200", "")
	if err == nil || !strings.Contains(err.Error(), "create call") {
		t.Fatalf("expected wrapped create call error, got %v", err)
	}
}

func TestStreamTwiMLTracks(t *testing.T) {
	if got := streamTwiML("wss://h/media", "", frames.TrackInbound); got != `<Response><Connect><Stream url="wss://h/media"/></Connect></Response>` {
		t.Fatalf("unexpected inbound twiml %s", got)
	}
	got := streamTwiML("wss://h/media", "hi", frames.TrackOutbound)
	if !strings.Contains(got, `<Say>hi</Say><Start><Stream url="wss://h/media" track="outbound_track"/></Start>`) {
		t.Fatalf("unexpected outbound twiml %s", got)
	}
}
