package aggregators

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
)

// Reason explains why a segment was delivered.
type Reason string

const (
	ReasonCompleteSentence Reason = "complete_sentence"
	ReasonAged             Reason = "aged"
	ReasonContentThreshold Reason = "content_threshold"
	ReasonSessionEnd       Reason = "session_end"
)

type State string

const (
	StateEmpty        State = "EMPTY"
	StateAccumulating State = "ACCUMULATING"
)

const (
	DefaultMaxAge   = 4 * time.Second
	DefaultMinWords = 12
)

type Config struct {
	MaxAge     time.Duration
	MinWords   int
	MaxHistory int
	// Replacements maps misrecognized phrases to their intended spelling.
	Replacements map[string]string
}

func (c Config) withDefaults() Config {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MinWords <= 0 {
		c.MinWords = DefaultMinWords
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 10
	}
	return c
}

// Segment is finalized text ready for observers.
type Segment struct {
	CallID      string
	Text        string
	Reason      Reason
	Age         time.Duration
	Confidence  float64
	FirstSeq    int
	LastSeq     int
	DeliveredAt time.Time
}

var spaceBeforePunct = regexp.MustCompile(`\s+([.,!?;:])`)

// SentenceAggregator buffers one session's recognized text and decides when
// it becomes a deliverable segment. Exactly one rule fires per evaluation,
// in priority order: complete sentence, aged buffer, content threshold.
type SentenceAggregator struct {
	mu       sync.Mutex
	cfg      Config
	callID   string
	vocab    *TextNormalizer
	buf      string
	firstAt  time.Time
	confSum  float64
	confN    int
	lastConf float64
	firstSeq int
	lastSeq  int
	history  []string
}

func NewSentenceAggregator(callID string, cfg Config) *SentenceAggregator {
	cfg = cfg.withDefaults()
	a := &SentenceAggregator{callID: callID, cfg: cfg}
	if len(cfg.Replacements) > 0 {
		a.vocab = NewTextNormalizer(cfg.Replacements)
	}
	return a
}

func (a *SentenceAggregator) Name() string { return "sentence_aggregator" }

func (a *SentenceAggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == "" {
		return StateEmpty
	}
	return StateAccumulating
}

// Pending returns the undelivered text.
func (a *SentenceAggregator) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf
}

// OnChunk appends chunk text and evaluates the delivery rules.
func (a *SentenceAggregator) OnChunk(chunk stt.TranscriptChunk, now time.Time) (Segment, bool) {
	text := a.vocab.Apply(normalize(chunk.Text))
	a.mu.Lock()
	defer a.mu.Unlock()
	if text == "" {
		return a.evaluate(now)
	}
	if a.buf == "" {
		a.buf = text
		a.firstAt = now
		a.firstSeq = chunk.Seq
	} else {
		a.buf = normalize(a.buf + " " + text)
	}
	a.lastSeq = chunk.Seq
	a.confSum += chunk.Confidence
	a.confN++
	a.lastConf = chunk.Confidence
	return a.evaluate(now)
}

// Tick re-evaluates without new text so aged buffers are delivered on time.
func (a *SentenceAggregator) Tick(now time.Time) (Segment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evaluate(now)
}

// Flush delivers whatever is pending; used when the session ends.
func (a *SentenceAggregator) Flush(now time.Time) (Segment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == "" {
		return Segment{}, false
	}
	return a.deliver(a.buf, "", ReasonSessionEnd, now), true
}

func (a *SentenceAggregator) evaluate(now time.Time) (Segment, bool) {
	if a.buf == "" {
		return Segment{}, false
	}
	if idx := lastSentenceEnd(a.buf); idx >= 0 {
		return a.deliver(a.buf[:idx+1], a.buf[idx+1:], ReasonCompleteSentence, now), true
	}
	if now.Sub(a.firstAt) > a.cfg.MaxAge {
		return a.deliver(strings.TrimRight(a.buf, ",;: ")+".", "", ReasonAged, now), true
	}
	if len(strings.Fields(a.buf)) >= a.cfg.MinWords {
		return a.deliver(a.buf, "", ReasonContentThreshold, now), true
	}
	return Segment{}, false
}

// lastSentenceEnd returns the index of the last terminal mark that ends a
// word, so "3.5" or "example.com" do not split. -1 when there is none.
func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			if i == len(s)-1 || s[i+1] == ' ' {
				return i
			}
		}
	}
	return -1
}

// deliver emits text and keeps rest as the new buffer. Caller holds mu.
func (a *SentenceAggregator) deliver(text, rest string, reason Reason, now time.Time) Segment {
	seg := Segment{
		CallID:      a.callID,
		Text:        normalize(text),
		Reason:      reason,
		Age:         now.Sub(a.firstAt),
		FirstSeq:    a.firstSeq,
		LastSeq:     a.lastSeq,
		DeliveredAt: now,
	}
	if a.confN > 0 {
		seg.Confidence = a.confSum / float64(a.confN)
	}
	a.appendHistory(seg.Text)

	rest = normalize(rest)
	a.buf = rest
	if rest == "" {
		a.firstAt = time.Time{}
		a.confSum, a.confN = 0, 0
		a.firstSeq, a.lastSeq = 0, 0
		return seg
	}
	// The remainder arrived with the latest chunk.
	a.firstAt = now
	a.confSum, a.confN = a.lastConf, 1
	a.firstSeq = a.lastSeq
	return seg
}

func (a *SentenceAggregator) appendHistory(text string) {
	a.history = append(a.history, text)
	if len(a.history) > a.cfg.MaxHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
	}
}

// History returns the most recently delivered segment texts.
func (a *SentenceAggregator) History() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}

func normalize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return spaceBeforePunct.ReplaceAllString(s, "$1")
}
