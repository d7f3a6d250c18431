package httpjob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/resilience"
)

// Config describes a bearer-token job API: an optional raw upload endpoint,
// a job creation endpoint and a job status endpoint under the same path.
type Config struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	UploadPath     string        `mapstructure:"upload_path"`
	TranscriptPath string        `mapstructure:"transcript_path"`
	Language       string        `mapstructure:"language"`
	Timeout        time.Duration `mapstructure:"timeout"`
	// UploadRetries bounds extra attempts for the raw upload. Job creation
	// is never retried.
	UploadRetries int `mapstructure:"upload_retries"`
}

type STT struct {
	cfg    Config
	retry  resilience.RetryPolicy
	Client *http.Client
}

func New(cfg Config) (*STT, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("httpjob: base_url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("httpjob: api_key is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("httpjob: base_url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TranscriptPath == "" {
		cfg.TranscriptPath = "/v2/transcript"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &STT{
		cfg:    cfg,
		retry:  resilience.NewRetryPolicy(cfg.UploadRetries, 250*time.Millisecond),
		Client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *STT) Name() string { return "httpjob_stt" }

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type jobRequest struct {
	AudioURL string `json:"audio_url"`
	Language string `json:"language_code,omitempty"`
}

type jobResponse struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

func (s *STT) Submit(ctx context.Context, audio stt.Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", errors.New("empty audio")
	}
	contentType := audio.ContentType
	if contentType == "" {
		contentType = "audio/wav"
	}

	var job jobResponse
	if s.cfg.UploadPath != "" {
		var up uploadResponse
		err := s.retry.Do(ctx, func() error {
			return s.do(ctx, http.MethodPost, s.cfg.UploadPath, bytes.NewReader(audio.Data), "application/octet-stream", &up)
		})
		if err != nil {
			return "", fmt.Errorf("upload: %w", err)
		}
		if up.UploadURL == "" {
			return "", errors.New("upload: empty upload_url")
		}
		body, err := json.Marshal(jobRequest{AudioURL: up.UploadURL, Language: s.cfg.Language})
		if err != nil {
			return "", err
		}
		if err := s.do(ctx, http.MethodPost, s.cfg.TranscriptPath, bytes.NewReader(body), "application/json", &job); err != nil {
			return "", fmt.Errorf("create job: %w", err)
		}
	} else {
		if err := s.do(ctx, http.MethodPost, s.cfg.TranscriptPath, bytes.NewReader(audio.Data), contentType, &job); err != nil {
			return "", fmt.Errorf("create job: %w", err)
		}
	}
	if job.ID == "" {
		return "", errors.New("create job: empty id")
	}
	return job.ID, nil
}

func (s *STT) Status(ctx context.Context, jobID string) (stt.JobStatus, error) {
	var job jobResponse
	path := s.cfg.TranscriptPath + "/" + url.PathEscape(jobID)
	if err := s.do(ctx, http.MethodGet, path, nil, "", &job); err != nil {
		return stt.JobStatus{}, err
	}
	return stt.JobStatus{
		State:      mapState(job.Status),
		Text:       job.Text,
		Confidence: job.Confidence,
		Err:        job.Error,
	}, nil
}

func mapState(status string) stt.JobState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "done", "succeeded":
		return stt.JobCompleted
	case "error", "failed":
		return stt.JobError
	case "processing", "running":
		return stt.JobProcessing
	default:
		return stt.JobQueued
	}
}

func (s *STT) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resilience.RateLimitError{
			Provider:   s.Name(),
			Message:    strings.TrimSpace(string(msg)),
			RetryAfter: resilience.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *STT) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

var _ stt.Provider = (*STT)(nil)
