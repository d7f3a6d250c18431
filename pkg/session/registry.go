package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callscribe/pkg/aggregators"
	"github.com/harunnryd/callscribe/pkg/chunker"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/transcription"
)

var (
	ErrSessionExists = errorsx.Wrap(errors.New("session already active for call"), errorsx.ReasonSessionDuplicate)
	ErrDraining      = errors.New("registry is draining")
	ErrEmptyCallID   = errors.New("call id is required")
)

// Dispatcher runs transcription requests; *transcription.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *chunker.Request, sink transcription.Sink)
	Config() transcription.Config
}

// Broadcaster fans events out to observers; *broadcast.Hub satisfies it.
type Broadcaster interface {
	Broadcast(typ frames.EventType, data any) int
}

// Recorder persists request audio when enabled.
type Recorder interface {
	Record(req *chunker.Request) error
}

type Deps struct {
	Dispatcher Dispatcher
	Hub        Broadcaster
	Recorder   Recorder
	Metrics    metrics.Observer
	Logger     *slog.Logger
}

type Config struct {
	Chunk          chunker.Config
	Aggregator     aggregators.Config
	EvalInterval   time.Duration
	DrainTimeout   time.Duration
	PreregisterTTL time.Duration
	InboxSize      int
}

func (c Config) withDefaults(budget time.Duration) Config {
	if c.EvalInterval <= 0 {
		c.EvalInterval = 250 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = budget + 2*time.Second
	}
	if c.PreregisterTTL <= 0 {
		c.PreregisterTTL = time.Minute
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	return c
}

// Registry owns every live session, keyed by call ID. It never holds two
// entries for one call.
type Registry struct {
	ctx  context.Context
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	draining atomic.Bool
}

// NewRegistry builds a registry. ctx bounds in-flight transcription work and
// is not cancelled when individual sessions stop.
func NewRegistry(ctx context.Context, cfg Config, deps Deps) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopObserver{}
	}
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Registry{
		ctx:      ctx,
		cfg:      cfg.withDefaults(deps.Dispatcher.Config().Budget()),
		deps:     deps,
		log:      logging.NewComponentLogger(base, "session"),
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Config() Config { return r.cfg }

// Preregister reserves a STARTING session for a call announced by the voice
// webhook. An existing session is returned unchanged.
func (r *Registry) Preregister(callID string) (*Session, error) {
	if callID == "" {
		return nil, ErrEmptyCallID
	}
	if r.draining.Load() {
		return nil, ErrDraining
	}
	r.mu.Lock()
	if s, ok := r.sessions[callID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	s := newSession(r, callID)
	r.sessions[callID] = s
	r.mu.Unlock()
	go s.run()
	r.log.Info("session_preregistered", slog.String("call_id", callID))
	return s, nil
}

// Start activates the session for callID, creating it when needed. A second
// start for an ACTIVE or DRAINING session returns ErrSessionExists.
func (r *Registry) Start(callID string, info StartInfo) (*Session, error) {
	return r.start(callID, info, false)
}

// Recover returns the live session for callID, or synthesizes one for media
// that arrived without a start event.
func (r *Registry) Recover(callID string, info StartInfo) (*Session, error) {
	info.Recovered = true
	return r.start(callID, info, true)
}

func (r *Registry) start(callID string, info StartInfo, reuse bool) (*Session, error) {
	if callID == "" {
		return nil, ErrEmptyCallID
	}
	if r.draining.Load() {
		return nil, ErrDraining
	}
	r.mu.Lock()
	s, ok := r.sessions[callID]
	created := false
	if ok {
		switch s.State() {
		case StateActive, StateDraining:
			r.mu.Unlock()
			if reuse {
				return s, nil
			}
			return s, ErrSessionExists
		case StateClosed:
			ok = false
		}
	}
	if !ok {
		s = newSession(r, callID)
		r.sessions[callID] = s
		created = true
	}
	s.activate(info)
	n := len(r.sessions)
	r.mu.Unlock()

	if created {
		go s.run()
	}
	r.log.Info("session_started",
		slog.String("call_id", callID),
		slog.String("stream_sid", info.StreamSID),
		slog.Bool("recovered", info.Recovered))
	r.record("session_started", float64(n), map[string]string{"call_id": callID})
	r.deps.Hub.Broadcast(frames.EventStreamStarted, frames.StreamStarted{
		CallID:    callID,
		StreamSID: info.StreamSID,
		Tracks:    info.Tracks,
		Recovered: info.Recovered,
		Timestamp: time.Now(),
	})
	return s, nil
}

func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Stop begins teardown of the call's session, if any.
func (r *Registry) Stop(callID, reason string) bool {
	s, ok := r.Get(callID)
	if !ok {
		return false
	}
	s.Stop(reason)
	return true
}

// StopAll stops every session through the normal teardown path.
func (r *Registry) StopAll(reason string) {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()
	for _, s := range list {
		s.Stop(reason)
	}
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.CallID]; ok && cur == s {
		delete(r.sessions, s.CallID)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	r.record("session_ended", float64(n), map[string]string{"call_id": s.CallID})
}

// deliverResult routes a finished request back to its session. Results for
// sessions that are gone miss the lookup and are discarded.
func (r *Registry) deliverResult(callID string, owner *Session, res transcription.Result) {
	s, ok := r.Get(callID)
	if !ok || s != owner || !s.send(message{kind: msgResult, result: res}) {
		r.log.Debug("late_result_discarded",
			slog.String("call_id", callID),
			slog.Int("seq", res.Request.Seq),
			slog.String("state", string(res.State)))
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot lists live sessions ordered by creation time.
func (r *Registry) Snapshot() []frames.StreamInfo {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Created.Before(list[j].Created) })
	out := make([]frames.StreamInfo, 0, len(list))
	for _, s := range list {
		out = append(out, frames.StreamInfo{CallID: s.CallID, State: string(s.State()), StartedAt: s.Created})
	}
	return out
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (r *Registry) record(name string, value float64, tags map[string]string) {
	metrics.Record(r.deps.Metrics, name, value, tags)
}
