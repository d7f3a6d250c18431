package observers

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/callscribe/pkg/metrics"
)

// LatencyObserver keeps per-call transcription and delivery latencies and
// logs a summary when the session ends.
type LatencyObserver struct {
	mu    sync.Mutex
	calls map[string]*callLatency
	log   *slog.Logger
}

type callLatency struct {
	requests     int
	completed    int
	transcribeMS float64
	maxMS        float64
	segments     int
	segmentAgeMS float64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{calls: make(map[string]*callLatency), log: log}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags["call_id"]
	}
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.calls[callID]
	if c == nil {
		if ev.Name == "session_ended" {
			return
		}
		c = &callLatency{}
		o.calls[callID] = c
	}
	switch ev.Name {
	case "transcription_result":
		c.requests++
		if ev.Tags["state"] == "COMPLETED" {
			c.completed++
		}
		c.transcribeMS += ev.Value
		if ev.Value > c.maxMS {
			c.maxMS = ev.Value
		}
	case "segment_delivered":
		c.segments++
		c.segmentAgeMS += ev.Value
	case "session_ended":
		o.logSummaryLocked(callID, c)
		delete(o.calls, callID)
	}
}

// Tracked reports how many calls have open latency records.
func (o *LatencyObserver) Tracked() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func (o *LatencyObserver) logSummaryLocked(callID string, c *callLatency) {
	o.log.Info("call_latency",
		"call_id", callID,
		"requests", c.requests,
		"completed", c.completed,
		"transcription_avg_ms", mean(c.transcribeMS, c.requests),
		"transcription_max_ms", int64(c.maxMS),
		"segments", c.segments,
		"segment_age_avg_ms", mean(c.segmentAgeMS, c.segments),
	)
}

func mean(sum float64, n int) int64 {
	if n == 0 {
		return -1
	}
	return int64(sum / float64(n))
}

var _ metrics.Observer = (*LatencyObserver)(nil)
