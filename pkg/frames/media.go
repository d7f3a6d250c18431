package frames

import (
	"encoding/json"
	"errors"
	"strings"
)

// Media stream event names.
const (
	MediaConnected = "connected"
	MediaStart     = "start"
	MediaMedia     = "media"
	MediaStop      = "stop"
	MediaMark      = "mark"
	MediaDTMF      = "dtmf"
)

// Track names carried by media frames.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
	TrackBoth     = "both"
)

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StartPayload struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type MediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
	Reason     string `json:"reason,omitempty"`
}

// MediaEvent is one JSON frame of a telephony media stream. Unknown fields
// are ignored.
type MediaEvent struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

var ErrNotMediaEvent = errors.New("not a media stream event")

// ParseMediaEvent decodes a frame and rejects messages without an event name.
func ParseMediaEvent(b []byte) (MediaEvent, error) {
	var ev MediaEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return MediaEvent{}, err
	}
	if strings.TrimSpace(ev.Event) == "" {
		return MediaEvent{}, ErrNotMediaEvent
	}
	return ev, nil
}

// LooksLikeMediaEvent reports whether b has the shape of a telephony media
// stream frame: a known event name plus the payload object that event carries.
func LooksLikeMediaEvent(b []byte) bool {
	ev, err := ParseMediaEvent(b)
	if err != nil {
		return false
	}
	switch ev.Event {
	case MediaConnected:
		return ev.Protocol != ""
	case MediaStart:
		return ev.Start != nil && (ev.Start.CallSID != "" || ev.Start.StreamSID != "")
	case MediaMedia:
		return ev.Media != nil && ev.Media.Payload != ""
	case MediaStop:
		return ev.Stop != nil || ev.StreamSID != ""
	default:
		return false
	}
}

// SalvageCallID returns the best call identifier the frame carries, or "".
func (e MediaEvent) SalvageCallID() string {
	if e.Start != nil {
		if e.Start.CallSID != "" {
			return e.Start.CallSID
		}
		if e.Start.StreamSID != "" {
			return e.Start.StreamSID
		}
	}
	if e.Stop != nil && e.Stop.CallSID != "" {
		return e.Stop.CallSID
	}
	return e.StreamSID
}
