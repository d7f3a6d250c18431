package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/codec"
)

type STTConfig struct {
	// Transcripts are returned in submission order and cycle when exhausted.
	Transcripts  []string `mapstructure:"transcripts"`
	Transcript   string   `mapstructure:"transcript"`
	Confidence   float64  `mapstructure:"confidence"`
	PendingPolls int      `mapstructure:"pending_polls"`
	// FailEvery makes every n-th job end in the error state. Zero disables it.
	FailEvery int `mapstructure:"fail_every"`
}

type job struct {
	text    string
	polls   int
	failing bool
}

// STT is a deterministic batch provider used for local runs and tests.
type STT struct {
	cfg  STTConfig
	mu   sync.Mutex
	jobs map[string]*job
	n    int
}

func NewSTT(cfg STTConfig) *STT {
	if len(cfg.Transcripts) == 0 {
		if cfg.Transcript == "" {
			cfg.Transcript = "mock transcript."
		}
		cfg.Transcripts = []string{cfg.Transcript}
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.95
	}
	return &STT{cfg: cfg, jobs: make(map[string]*job)}
}

func (s *STT) Name() string { return "mock_stt" }

func (s *STT) Submit(ctx context.Context, audio stt.Audio) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(audio.Data) == 0 {
		return "", errors.New("empty audio")
	}
	if _, err := codec.InspectWAV(audio.Data); err != nil {
		return "", fmt.Errorf("mock_stt: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	id := uuid.NewString()
	s.jobs[id] = &job{
		text:    s.cfg.Transcripts[(s.n-1)%len(s.cfg.Transcripts)],
		failing: s.cfg.FailEvery > 0 && s.n%s.cfg.FailEvery == 0,
	}
	return id, nil
}

func (s *STT) Status(ctx context.Context, jobID string) (stt.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return stt.JobStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return stt.JobStatus{}, fmt.Errorf("unknown job %s", jobID)
	}
	j.polls++
	if j.polls <= s.cfg.PendingPolls {
		return stt.JobStatus{State: stt.JobProcessing}, nil
	}
	delete(s.jobs, jobID)
	if j.failing {
		return stt.JobStatus{State: stt.JobError, Err: "mock failure"}, nil
	}
	return stt.JobStatus{State: stt.JobCompleted, Text: j.text, Confidence: s.cfg.Confidence}, nil
}

var _ stt.Provider = (*STT)(nil)
