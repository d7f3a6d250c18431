package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callscribe/pkg/aggregators"
	"github.com/harunnryd/callscribe/pkg/chunker"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/frames"
	"github.com/harunnryd/callscribe/pkg/redact"
	"github.com/harunnryd/callscribe/pkg/transcription"
)

type State string

const (
	StateStarting State = "STARTING"
	StateActive   State = "ACTIVE"
	StateDraining State = "DRAINING"
	StateClosed   State = "CLOSED"
)

// StartInfo is the stream metadata carried by a start event.
type StartInfo struct {
	StreamSID string
	Tracks    []string
	Recovered bool
}

type msgKind int

const (
	msgAudio msgKind = iota
	msgResult
	msgActivate
	msgStop
)

type message struct {
	kind   msgKind
	pcm    chunker.PCMChunk
	result transcription.Result
	reason string
}

// Session is the actor for one call. Its PCM buffer and aggregator are only
// touched by the run goroutine; everything else talks to it over inbox.
type Session struct {
	CallID  string
	Created time.Time

	reg *Registry
	log *slog.Logger
	ctx context.Context

	mu           sync.Mutex
	state        State
	info         StartInfo
	lastActivity time.Time

	inbox    chan message
	done     chan struct{}
	stopOnce sync.Once
	endOnce  sync.Once

	requests atomic.Int64
	segments atomic.Int64

	// owned by run
	buf      *chunker.Buffer
	agg      *aggregators.SentenceAggregator
	seq      *sequencer
	inflight int
}

func newSession(reg *Registry, callID string) *Session {
	now := time.Now()
	s := &Session{
		CallID:       callID,
		Created:      now,
		reg:          reg,
		log:          reg.log.With(slog.String("call_id", callID)),
		ctx:          reg.ctx,
		state:        StateStarting,
		lastActivity: now,
		inbox:        make(chan message, reg.cfg.InboxSize),
		done:         make(chan struct{}),
		buf:          chunker.NewBuffer(reg.cfg.Chunk),
		agg:          aggregators.NewSentenceAggregator(callID, reg.cfg.Aggregator),
		seq:          newSequencer(),
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() StartInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Requests is the number of transcription requests created so far.
func (s *Session) Requests() int { return int(s.requests.Load()) }

// Segments is the number of transcript segments delivered so far.
func (s *Session) Segments() int { return int(s.segments.Load()) }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// UpdateStart records stream metadata that arrived after the session was
// created, without re-keying it.
func (s *Session) UpdateStart(info StartInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.StreamSID != "" {
		s.info.StreamSID = info.StreamSID
	}
	if len(info.Tracks) > 0 {
		s.info.Tracks = info.Tracks
	}
}

// PushAudio hands decoded PCM to the actor in arrival order. It returns false
// once the session is shutting down.
func (s *Session) PushAudio(samples []int16, rate int) bool {
	if len(samples) == 0 {
		return true
	}
	switch s.State() {
	case StateDraining, StateClosed:
		return false
	}
	return s.send(message{kind: msgAudio, pcm: chunker.NewPCMChunk(samples, rate)})
}

// Stop begins teardown. Only the first call has an effect.
func (s *Session) Stop(reason string) {
	s.stopOnce.Do(func() {
		s.send(message{kind: msgStop, reason: reason})
	})
}

func (s *Session) send(m message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) activate(info StartInfo) bool {
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		return false
	}
	s.state = StateActive
	s.info = info
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.send(message{kind: msgActivate})
	return true
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) run() {
	cfg := s.reg.cfg
	flush := time.NewTicker(s.buf.Config().Interval)
	eval := time.NewTicker(cfg.EvalInterval)
	expire := time.NewTimer(cfg.PreregisterTTL)
	defer flush.Stop()
	defer eval.Stop()
	defer expire.Stop()

	defer func() {
		if p := recover(); p != nil {
			err := errorsx.Wrap(fmt.Errorf("session panic: %v", p), errorsx.ReasonSessionPanic)
			s.log.Error("session_panic",
				errorsx.Attr(err),
				slog.String("error", err.Error()),
				slog.String("stack", string(debug.Stack())))
			s.finish(frames.EndError)
		}
	}()

	if s.State() != StateStarting {
		expire.Stop()
	}

	for {
		select {
		case m := <-s.inbox:
			switch m.kind {
			case msgAudio:
				now := time.Now()
				s.touch(now)
				s.buf.Append(m.pcm)
				if s.buf.Full() {
					s.flushAudio(now)
				}
			case msgResult:
				s.handleResult(m.result)
			case msgActivate:
				expire.Stop()
			case msgStop:
				s.drain(m.reason)
				return
			}
		case now := <-flush.C:
			s.flushAudio(now)
		case now := <-eval.C:
			if seg, ok := s.agg.Tick(now); ok {
				s.publish(seg)
			}
		case <-expire.C:
			if s.State() == StateStarting {
				s.log.Info("session_expired", slog.Duration("ttl", cfg.PreregisterTTL))
				s.drain(frames.EndExpired)
				return
			}
		}
	}
}

func (s *Session) flushAudio(now time.Time) {
	deadline := now.Add(s.reg.deps.Dispatcher.Config().Budget())
	req, ok, err := s.buf.Flush(s.CallID, now, deadline)
	if err != nil {
		s.log.Error("chunk_flush_failed",
			errorsx.Attr(err),
			slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	s.requests.Add(1)
	s.inflight++
	if rec := s.reg.deps.Recorder; rec != nil {
		if err := rec.Record(req); err != nil {
			s.log.Warn("chunk_record_failed", slog.Int("seq", req.Seq), slog.String("error", err.Error()))
		}
	}
	s.log.Debug("chunk_flushed",
		slog.Int("seq", req.Seq),
		slog.Int("pcm_bytes", req.PCMBytes),
		slog.Duration("duration", req.Duration))
	s.reg.record("chunk_flushed", float64(req.PCMBytes), map[string]string{"call_id": s.CallID})
	callID := s.CallID
	reg := s.reg
	s.reg.deps.Dispatcher.Dispatch(s.ctx, req, func(res transcription.Result) {
		reg.deliverResult(callID, s, res)
	})
}

func (s *Session) handleResult(res transcription.Result) {
	s.inflight--
	for _, r := range s.seq.Add(res) {
		s.applyResult(r)
	}
}

func (s *Session) applyResult(r transcription.Result) {
	if r.Chunk == nil {
		return
	}
	if seg, ok := s.agg.OnChunk(*r.Chunk, time.Now()); ok {
		s.publish(seg)
	}
}

func (s *Session) publish(seg aggregators.Segment) {
	s.segments.Add(1)
	s.log.Info("segment_delivered",
		slog.String("reason", string(seg.Reason)),
		slog.String("text", redact.Text(seg.Text)),
		slog.Duration("age", seg.Age))
	s.reg.record("segment_delivered", float64(seg.Age.Milliseconds()), map[string]string{
		"call_id": s.CallID,
		"reason":  string(seg.Reason),
	})
	s.reg.deps.Hub.Broadcast(frames.EventLiveTranscript, frames.LiveTranscript{
		CallID:     s.CallID,
		Text:       seg.Text,
		Reason:     string(seg.Reason),
		Confidence: seg.Confidence,
		AgeMS:      seg.Age.Milliseconds(),
		FirstSeq:   seg.FirstSeq,
		LastSeq:    seg.LastSeq,
		Timestamp:  seg.DeliveredAt,
	})
}

// drain flushes remaining audio, waits for in-flight requests up to the
// drain timeout, flushes the aggregator and tears the session down.
func (s *Session) drain(reason string) {
	wasActive := s.State() != StateStarting
	s.setState(StateDraining)
	s.log.Info("session_draining", slog.String("reason", reason), slog.Int("in_flight", s.inflight))

	if wasActive {
		s.flushAudio(time.Now())
	}

	if s.inflight > 0 {
		timer := time.NewTimer(s.reg.cfg.DrainTimeout)
	wait:
		for s.inflight > 0 {
			select {
			case m := <-s.inbox:
				if m.kind == msgResult {
					s.handleResult(m.result)
				}
			case <-timer.C:
				s.log.Warn("session_drain_timeout",
					slog.Int("in_flight", s.inflight),
					slog.Duration("timeout", s.reg.cfg.DrainTimeout))
				break wait
			}
		}
		timer.Stop()
	}
	for _, r := range s.seq.Drain() {
		s.applyResult(r)
	}
	if seg, ok := s.agg.Flush(time.Now()); ok {
		s.publish(seg)
	}
	if wasActive {
		s.finish(reason)
		return
	}
	s.finishQuiet()
}

func (s *Session) finish(reason string) {
	s.endOnce.Do(func() {
		s.reg.deps.Hub.Broadcast(frames.EventStreamEnded, frames.StreamEnded{
			CallID:     s.CallID,
			Reason:     reason,
			Requests:   s.Requests(),
			Segments:   s.Segments(),
			DurationMS: time.Since(s.Created).Milliseconds(),
			Timestamp:  time.Now(),
		})
		s.close(reason)
	})
}

// finishQuiet tears down a session that never became active; observers
// never saw it start, so no end event is sent.
func (s *Session) finishQuiet() {
	s.endOnce.Do(func() {
		s.close(frames.EndExpired)
	})
}

func (s *Session) close(reason string) {
	s.setState(StateClosed)
	s.reg.remove(s)
	close(s.done)
	s.log.Info("session_closed",
		slog.String("reason", reason),
		slog.Int("requests", s.Requests()),
		slog.Int("segments", s.Segments()))
}
