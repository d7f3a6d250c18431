package deepgram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/redact"

	restapi "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
	// TimeoutMS bounds one pre-recorded request.
	TimeoutMS int `mapstructure:"timeout_ms"`
	// JobTTLMS is how long a finished job waits for its final Status call.
	JobTTLMS int `mapstructure:"job_ttl_ms"`
}

// transcriber is the seam over the SDK's pre-recorded client.
type transcriber interface {
	FromStream(ctx context.Context, src io.Reader, options *interfaces.PreRecordedTranscriptionOptions) (*api.PreRecordedResponse, error)
}

// STT sends each segment to Deepgram's pre-recorded endpoint in the
// background and exposes the response as a pollable job.
type STT struct {
	cfg    Config
	rest   transcriber
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	callID   string
	done     chan struct{}
	status   stt.JobStatus
	finished time.Time
}

func New(cfg Config) (*STT, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("deepgram: api_key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = 30000
	}
	if cfg.JobTTLMS <= 0 {
		cfg.JobTTLMS = 120000
	}
	s := &STT{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
		now:    time.Now,
		jobs:   make(map[string]*job),
	}
	rc := client.NewREST(cfg.APIKey, &interfaces.ClientOptions{})
	if rc == nil {
		return nil, errors.New("deepgram: invalid client options")
	}
	s.rest = restapi.New(rc)
	return s, nil
}

func (s *STT) Name() string { return "deepgram_stt" }

// Submit starts the request in the background and returns at once. The
// request outlives ctx's cancellation but not the configured timeout.
func (s *STT) Submit(ctx context.Context, audio stt.Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", errors.New("deepgram: empty audio")
	}
	id := uuid.NewString()
	j := &job{callID: audio.CallID, done: make(chan struct{})}

	s.mu.Lock()
	s.purgeLocked()
	s.jobs[id] = j
	s.mu.Unlock()

	s.logger.Debug("deepgram_job_started",
		slog.String("job_id", id),
		slog.String("call_id", audio.CallID),
		slog.Int("seq", audio.Seq))

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
	go func() {
		defer cancel()
		s.run(reqCtx, id, j, audio.Data)
	}()
	return id, nil
}

func (s *STT) run(ctx context.Context, id string, j *job, data []byte) {
	opts := &interfaces.PreRecordedTranscriptionOptions{
		Model:       s.cfg.Model,
		Language:    s.cfg.Language,
		Punctuate:   true,
		SmartFormat: true,
	}
	resp, err := s.rest.FromStream(ctx, bytes.NewReader(data), opts)

	var status stt.JobStatus
	if err != nil {
		s.logger.Error("deepgram_error",
			slog.String("job_id", id),
			slog.String("call_id", j.callID),
			slog.String("error", err.Error()))
		status = stt.JobStatus{State: stt.JobError, Err: err.Error()}
	} else {
		status = fromResponse(resp)
		s.logger.Debug("transcript_received",
			slog.String("job_id", id),
			slog.String("call_id", j.callID),
			slog.String("transcript", redact.Text(status.Text)))
	}

	s.mu.Lock()
	j.status = status
	j.finished = s.now()
	s.mu.Unlock()
	close(j.done)
}

// fromResponse joins the best alternative of every channel.
func fromResponse(resp *api.PreRecordedResponse) stt.JobStatus {
	if resp == nil || resp.Results == nil {
		return stt.JobStatus{State: stt.JobCompleted}
	}
	var parts []string
	var conf float64
	n := 0
	for _, ch := range resp.Results.Channels {
		if len(ch.Alternatives) == 0 {
			continue
		}
		alt := ch.Alternatives[0]
		if text := strings.TrimSpace(alt.Transcript); text != "" {
			parts = append(parts, text)
			conf += alt.Confidence
			n++
		}
	}
	if n > 0 {
		conf /= float64(n)
	}
	return stt.JobStatus{State: stt.JobCompleted, Text: strings.Join(parts, " "), Confidence: conf}
}

// Status reports processing until the request returns. A terminal status
// is handed out once and the job is forgotten.
func (s *STT) Status(ctx context.Context, jobID string) (stt.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return stt.JobStatus{}, fmt.Errorf("deepgram: unknown job %s", jobID)
	}
	select {
	case <-j.done:
	default:
		return stt.JobStatus{State: stt.JobProcessing}, nil
	}
	delete(s.jobs, jobID)
	return j.status, nil
}

// Pending returns the number of jobs not yet handed out.
func (s *STT) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// purgeLocked drops finished jobs nobody polled within the TTL. Caller
// holds mu.
func (s *STT) purgeLocked() {
	cutoff := s.now().Add(-time.Duration(s.cfg.JobTTLMS) * time.Millisecond)
	for id, j := range s.jobs {
		if !j.finished.IsZero() && j.finished.Before(cutoff) {
			delete(s.jobs, id)
			s.logger.Debug("deepgram_job_expired", slog.String("job_id", id), slog.String("call_id", j.callID))
		}
	}
}

var _ stt.Provider = (*STT)(nil)
