package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/chunker"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/redact"
	"github.com/harunnryd/callscribe/pkg/resilience"
)

const (
	DefaultPollInterval  = time.Second
	DefaultMaxPolls      = 15
	DefaultMaxConcurrent = 8
)

var (
	ErrTimedOut    = errors.New("transcription poll budget exhausted")
	ErrCircuitOpen = errors.New("transcription circuit open")
)

type Config struct {
	PollInterval     time.Duration
	MaxPolls         int
	MaxConcurrent    int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = DefaultMaxPolls
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// Budget is the longest a request can stay in flight after submission.
func (c Config) Budget() time.Duration {
	c = c.withDefaults()
	return c.PollInterval * time.Duration(c.MaxPolls)
}

// Result is the single terminal outcome of one request.
// Chunk is nil unless the job completed with non-empty text.
type Result struct {
	Request *chunker.Request
	State   chunker.State
	Chunk   *stt.TranscriptChunk
	JobID   string
	Polls   int
	Err     error
}

// Sink receives results from dispatcher goroutines.
type Sink func(Result)

type Option func(*Dispatcher)

func WithClock(c Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

func WithObserver(o metrics.Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = logging.NewComponentLogger(l, "dispatcher")
		}
	}
}

// Dispatcher submits requests to a provider and polls each one to a terminal
// state. It never resubmits a request.
type Dispatcher struct {
	provider stt.Provider
	cfg      Config
	clock    Clock
	sem      chan struct{}
	breaker  *resilience.CircuitBreaker
	observer metrics.Observer
	logger   *slog.Logger

	wg       sync.WaitGroup
	inflight atomic.Int64
}

func NewDispatcher(provider stt.Provider, cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		provider: provider,
		cfg:      cfg,
		clock:    RealClock(),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		breaker:  resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		observer: metrics.NoopObserver{},
		logger:   logging.NewComponentLogger(slog.Default(), "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breaker.SetClock(d.clock.Now)
	return d
}

func (d *Dispatcher) Config() Config { return d.cfg }

// InFlight is the number of requests not yet delivered to their sink.
func (d *Dispatcher) InFlight() int { return int(d.inflight.Load()) }

// Dispatch runs the request asynchronously and hands its result to sink.
func (d *Dispatcher) Dispatch(ctx context.Context, req *chunker.Request, sink Sink) {
	d.wg.Add(1)
	d.inflight.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inflight.Add(-1)
		res := d.Run(ctx, req)
		if sink != nil {
			sink(res)
		}
	}()
}

// Wait blocks until every dispatched request has reached its sink.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Run drives one request through submit and bounded polling.
func (d *Dispatcher) Run(ctx context.Context, req *chunker.Request) Result {
	res := Result{Request: req}
	if !d.breaker.Allow() {
		return d.finish(res, chunker.StateFailed, errorsx.Wrap(ErrCircuitOpen, errorsx.ReasonSTTCircuitOpen))
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return d.finish(res, chunker.StateFailed, errorsx.Wrap(ctx.Err(), errorsx.ReasonSTTSubmit))
	}

	jobID, err := d.provider.Submit(ctx, stt.Audio{
		CallID:      req.CallID,
		Seq:         req.Seq,
		Data:        req.Audio,
		ContentType: "audio/wav",
		SampleRate:  req.SampleRate,
		Duration:    req.Duration,
	})
	if err != nil {
		d.breaker.OnError(err)
		return d.finish(res, chunker.StateFailed, wrapProviderErr(fmt.Errorf("submit: %w", err), errorsx.ReasonSTTSubmit))
	}
	res.JobID = jobID
	d.logger.Debug("transcription_submitted",
		slog.String("call_id", req.CallID),
		slog.Int("seq", req.Seq),
		slog.String("job_id", jobID))

	for res.Polls < d.cfg.MaxPolls {
		select {
		case <-d.clock.After(d.cfg.PollInterval):
		case <-ctx.Done():
			return d.finish(res, chunker.StateFailed, errorsx.Wrap(ctx.Err(), errorsx.ReasonSTTPoll))
		}
		res.Polls++

		status, err := d.provider.Status(ctx, jobID)
		if err != nil {
			d.breaker.OnError(err)
			return d.finish(res, chunker.StateFailed, wrapProviderErr(fmt.Errorf("status %s: %w", jobID, err), errorsx.ReasonSTTPoll))
		}
		switch status.State {
		case stt.JobCompleted:
			d.breaker.OnSuccess()
			text := strings.TrimSpace(status.Text)
			if text != "" {
				res.Chunk = &stt.TranscriptChunk{
					CallID:     req.CallID,
					Seq:        req.Seq,
					JobID:      jobID,
					Provider:   d.provider.Name(),
					Text:       text,
					Confidence: status.Confidence,
					IsFinal:    true,
					ReceivedAt: d.clock.Now(),
				}
			}
			return d.finish(res, chunker.StateCompleted, nil)
		case stt.JobError:
			msg := status.Err
			if msg == "" {
				msg = "provider reported error"
			}
			return d.finish(res, chunker.StateFailed, errorsx.Wrap(errors.New(msg), errorsx.ReasonSTTFailed))
		}
		if req.Expired(d.clock.Now()) {
			break
		}
	}
	return d.finish(res, chunker.StateTimedOut, errorsx.Wrap(ErrTimedOut, errorsx.ReasonSTTTimeout))
}

func (d *Dispatcher) finish(res Result, state chunker.State, cause error) Result {
	now := d.clock.Now()
	req := res.Request
	var terr error
	switch state {
	case chunker.StateCompleted:
		terr = req.Complete(now)
	case chunker.StateTimedOut:
		terr = req.TimeOut(now, cause)
	default:
		terr = req.Fail(now, cause)
	}
	if terr != nil {
		// Already terminal; report what the request actually holds.
		state = req.State()
		cause = req.Err()
		res.Chunk = nil
	}
	res.State = state
	res.Err = cause

	latency := now.Sub(req.SubmittedAt)
	attrs := []any{
		slog.String("call_id", req.CallID),
		slog.Int("seq", req.Seq),
		slog.String("state", string(state)),
		slog.Int("polls", res.Polls),
		slog.Duration("latency", latency),
	}
	switch {
	case cause != nil:
		attrs = append(attrs,
			errorsx.Attr(cause),
			slog.String("error", cause.Error()))
		d.logger.Warn("transcription_abandoned", attrs...)
	case res.Chunk != nil:
		attrs = append(attrs, slog.String("text", redact.Text(res.Chunk.Text)))
		d.logger.Info("transcription_completed", attrs...)
	default:
		d.logger.Debug("transcription_empty", attrs...)
	}

	tags := map[string]string{
		"call_id":  req.CallID,
		"provider": d.provider.Name(),
		"state":    string(state),
	}
	if cause != nil {
		tags["reason_code"] = string(errorsx.Reason(cause))
	}
	d.observer.RecordEvent(metrics.MetricsEvent{
		Name:  "transcription_result",
		Time:  now,
		Value: float64(latency.Milliseconds()),
		Tags:  tags,
		Fields: map[string]any{
			"seq":   strconv.Itoa(req.Seq),
			"polls": res.Polls,
		},
	})
	return res
}

func wrapProviderErr(err error, fallback errorsx.ReasonCode) error {
	if resilience.IsRateLimit(err) {
		return errorsx.Wrap(err, errorsx.ReasonSTTRateLimit)
	}
	return errorsx.Wrap(err, fallback)
}
