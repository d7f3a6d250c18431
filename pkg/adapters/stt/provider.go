package stt

import (
	"context"
	"time"
)

// Provider defines the contract for a batch transcription vendor: audio is
// submitted as a job and its status is polled until it reaches a terminal state.
type Provider interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Submit uploads one audio segment and returns the provider job ID.
	Submit(ctx context.Context, audio Audio) (string, error)
	// Status reports the current state of a previously submitted job.
	Status(ctx context.Context, jobID string) (JobStatus, error)
}

// Audio is one finite segment handed to a provider.
type Audio struct {
	CallID      string
	Seq         int
	Data        []byte
	ContentType string
	SampleRate  int
	Duration    time.Duration
}

// JobState is the provider-side state of a transcription job.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobError      JobState = "error"
)

// Terminal reports whether polling can stop.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobError
}

// JobStatus is one poll result.
type JobStatus struct {
	State      JobState
	Text       string
	Confidence float64
	Err        string
}

// TranscriptChunk is recognized text for one request of a session.
type TranscriptChunk struct {
	CallID     string
	Seq        int
	JobID      string
	Provider   string
	Text       string
	Confidence float64
	IsFinal    bool
	ReceivedAt time.Time
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SampleRate int
	Language   string
}
