package frames

import (
	"encoding/json"
	"time"
)

// EventType names an observer protocol message.
type EventType string

const (
	EventLiveTranscript EventType = "live_transcript"
	EventStreamStarted  EventType = "stream_started"
	EventStreamEnded    EventType = "stream_ended"
	EventActiveStreams  EventType = "active_streams"
	EventPing           EventType = "ping"
	EventPong           EventType = "pong"
)

// Envelope is the {type, data} wrapper for every observer message.
type Envelope struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// InboundMessage is an observer-sent message with its data left raw.
type InboundMessage struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type LiveTranscript struct {
	CallID     string    `json:"callId"`
	Text       string    `json:"text"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	AgeMS      int64     `json:"ageMs"`
	FirstSeq   int       `json:"firstSeq"`
	LastSeq    int       `json:"lastSeq"`
	Timestamp  time.Time `json:"timestamp"`
}

type StreamStarted struct {
	CallID    string    `json:"callId"`
	StreamSID string    `json:"streamSid,omitempty"`
	Tracks    []string  `json:"tracks,omitempty"`
	Recovered bool      `json:"recovered,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type StreamEnded struct {
	CallID     string    `json:"callId"`
	Reason     string    `json:"reason"`
	Requests   int       `json:"requests"`
	Segments   int       `json:"segments"`
	DurationMS int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

type StreamInfo struct {
	CallID    string    `json:"callId"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
}

type ActiveStreams struct {
	Streams []StreamInfo `json:"streams"`
}

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// Stream end reasons.
const (
	EndStop            = "stop"
	EndTransportClosed = "transport_closed"
	EndError           = "error"
	EndStatusCallback  = "status_callback"
	EndShutdown        = "shutdown"
	EndExpired         = "expired"
)
