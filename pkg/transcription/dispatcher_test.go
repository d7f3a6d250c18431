package transcription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/chunker"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/resilience"
)

// stepClock fires every After immediately and advances Now by the waited duration.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type stubProvider struct {
	mu        sync.Mutex
	submitErr error
	statusErr error
	pending   int
	final     stt.JobStatus
	submits   int
	polls     int
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Submit(ctx context.Context, audio stt.Audio) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return "job-1", nil
}

func (s *stubProvider) Status(ctx context.Context, jobID string) (stt.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.statusErr != nil {
		return stt.JobStatus{}, s.statusErr
	}
	if s.polls <= s.pending {
		return stt.JobStatus{State: stt.JobProcessing}, nil
	}
	return s.final, nil
}

func newRequest(clock Clock, budget time.Duration) *chunker.Request {
	now := clock.Now()
	return chunker.NewRequest("call-1", 1, []byte("RIFF"), now, now.Add(budget))
}

func TestRunCompletesWithChunk(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	p := &stubProvider{pending: 2, final: stt.JobStatus{State: stt.JobCompleted, Text: " hello there ", Confidence: 0.9}}
	mem := metrics.NewMemoryObserver()
	d := NewDispatcher(p, Config{}, WithClock(clock), WithObserver(mem))
	req := newRequest(clock, d.Config().Budget())

	res := d.Run(context.Background(), req)
	if res.State != chunker.StateCompleted {
		t.Fatalf("expected completed, got %s (%v)", res.State, res.Err)
	}
	if res.Chunk == nil || res.Chunk.Text != "hello there" {
		t.Fatalf("unexpected chunk: %+v", res.Chunk)
	}
	if res.Chunk.Seq != 1 || res.Chunk.JobID != "job-1" || !res.Chunk.IsFinal {
		t.Fatalf("unexpected chunk identity: %+v", res.Chunk)
	}
	if res.Polls != 3 {
		t.Fatalf("expected 3 polls, got %d", res.Polls)
	}
	if req.State() != chunker.StateCompleted {
		t.Fatalf("expected request completed, got %s", req.State())
	}
	if evs := mem.Named("transcription_result"); len(evs) != 1 || evs[0].Tags["state"] != string(chunker.StateCompleted) {
		t.Fatalf("expected one completed metrics event, got %+v", mem.Snapshot())
	}
}

func TestRunTimesOutAfterMaxPolls(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	p := &stubProvider{pending: 1000}
	d := NewDispatcher(p, Config{PollInterval: time.Second, MaxPolls: 15}, WithClock(clock))
	req := newRequest(clock, time.Hour)

	res := d.Run(context.Background(), req)
	if res.State != chunker.StateTimedOut {
		t.Fatalf("expected timed out, got %s", res.State)
	}
	if res.Polls != 15 {
		t.Fatalf("expected 15 polls, got %d", res.Polls)
	}
	if res.Chunk != nil {
		t.Fatalf("expected no chunk on timeout")
	}
	if !errorsx.HasReason(res.Err, errorsx.ReasonSTTTimeout) {
		t.Fatalf("expected timeout reason, got %s", errorsx.Reason(res.Err))
	}
	if p.submits != 1 {
		t.Fatalf("expected exactly one submission, got %d", p.submits)
	}
}

func TestRunStopsAtDeadline(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	p := &stubProvider{pending: 1000}
	d := NewDispatcher(p, Config{PollInterval: time.Second, MaxPolls: 15}, WithClock(clock))
	req := newRequest(clock, 3*time.Second)

	res := d.Run(context.Background(), req)
	if res.State != chunker.StateTimedOut || res.Polls != 3 {
		t.Fatalf("expected timeout after 3 polls, got %s after %d", res.State, res.Polls)
	}
}

func TestRunSubmitFailure(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	p := &stubProvider{submitErr: errors.New("upload refused")}
	d := NewDispatcher(p, Config{}, WithClock(clock))
	res := d.Run(context.Background(), newRequest(clock, time.Minute))
	if res.State != chunker.StateFailed {
		t.Fatalf("expected failed, got %s", res.State)
	}
	if !errorsx.HasReason(res.Err, errorsx.ReasonSTTSubmit) {
		t.Fatalf("expected submit reason, got %s", errorsx.Reason(res.Err))
	}
	if p.polls != 0 {
		t.Fatalf("expected no polls after failed submit")
	}
}

func TestRunProviderErrorState(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	p := &stubProvider{final: stt.JobStatus{State: stt.JobError, Err: "bad audio"}}
	d := NewDispatcher(p, Config{}, WithClock(clock))
	res := d.Run(context.Background(), newRequest(clock, time.Minute))
	if res.State != chunker.StateFailed || !errorsx.HasReason(res.Err, errorsx.ReasonSTTFailed) {
		t.Fatalf("expected failed with stt_failed, got %s/%s", res.State, errorsx.Reason(res.Err))
	}
}

func TestRunCompletedEmptyTextHasNoChunk(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	p := &stubProvider{final: stt.JobStatus{State: stt.JobCompleted, Text: "   "}}
	d := NewDispatcher(p, Config{}, WithClock(clock))
	res := d.Run(context.Background(), newRequest(clock, time.Minute))
	if res.State != chunker.StateCompleted || res.Chunk != nil {
		t.Fatalf("expected completed without chunk, got %s %+v", res.State, res.Chunk)
	}
}

func TestBreakerOpensOnRateLimits(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	p := &stubProvider{submitErr: resilience.RateLimitError{Provider: "stub", Message: "429"}}
	d := NewDispatcher(p, Config{BreakerThreshold: 2, BreakerCooldown: time.Hour}, WithClock(clock))
	for i := 0; i < 2; i++ {
		res := d.Run(context.Background(), newRequest(clock, time.Minute))
		if !errorsx.HasReason(res.Err, errorsx.ReasonSTTRateLimit) {
			t.Fatalf("expected rate limit reason, got %s", errorsx.Reason(res.Err))
		}
	}
	res := d.Run(context.Background(), newRequest(clock, time.Minute))
	if !errorsx.HasReason(res.Err, errorsx.ReasonSTTCircuitOpen) {
		t.Fatalf("expected circuit open, got %s", errorsx.Reason(res.Err))
	}
	if p.submits != 2 {
		t.Fatalf("expected breaker to skip submission, got %d submits", p.submits)
	}
}

func TestDispatchDeliversExactlyOnce(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	p := &stubProvider{final: stt.JobStatus{State: stt.JobCompleted, Text: "ok"}}
	d := NewDispatcher(p, Config{}, WithClock(clock))

	var mu sync.Mutex
	var results []Result
	for i := 0; i < 5; i++ {
		req := chunker.NewRequest("call-1", i+1, nil, clock.Now(), clock.Now().Add(time.Minute))
		d.Dispatch(context.Background(), req, func(r Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
	}
	d.Wait()
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	if d.InFlight() != 0 {
		t.Fatalf("expected nothing in flight, got %d", d.InFlight())
	}
}

func TestRunCancelledContextFails(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0)}
	p := &stubProvider{}
	d := NewDispatcher(p, Config{MaxConcurrent: 1}, WithClock(clock))
	d.sem <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.Run(ctx, newRequest(clock, time.Minute))
	if res.State != chunker.StateFailed {
		t.Fatalf("expected failed on cancelled context, got %s", res.State)
	}
}

func TestBudget(t *testing.T) {
	if got := (Config{}).Budget(); got != 15*time.Second {
		t.Fatalf("expected 15s default budget, got %s", got)
	}
}
