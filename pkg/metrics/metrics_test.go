package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestAsyncObserverDeliversInOrder(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 8)
	for i := 0; i < 5; i++ {
		a.RecordEvent(MetricsEvent{Name: "e", Value: float64(i)})
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(mem.Snapshot()) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out, got %d events", len(mem.Snapshot()))
		}
		time.Sleep(time.Millisecond)
	}
	for i, ev := range mem.Snapshot() {
		if ev.Value != float64(i) {
			t.Fatalf("event %d out of order: %v", i, ev.Value)
		}
	}
	a.Close()
	a.Close()
	a.RecordEvent(MetricsEvent{Name: "after"})
	if a.Dropped() != 0 {
		t.Fatalf("closed observer should ignore, not drop")
	}
}

type blockingObserver struct{ release chan struct{} }

func (b blockingObserver) RecordEvent(MetricsEvent) { <-b.release }

func TestAsyncObserverDropsWhenFull(t *testing.T) {
	b := blockingObserver{release: make(chan struct{})}
	a := NewAsyncObserver(b, 1)
	for i := 0; i < 10; i++ {
		a.RecordEvent(MetricsEvent{Name: "e"})
	}
	if a.Dropped() == 0 {
		t.Fatalf("expected drops with a blocked consumer")
	}
	close(b.release)
	a.Close()
}

func TestSamplingObserver(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25)
	for i := 0; i < 8; i++ {
		s.RecordEvent(MetricsEvent{Name: "e"})
	}
	if n := len(mem.Snapshot()); n != 2 {
		t.Fatalf("expected 2 sampled events, got %d", n)
	}
	none := NewMemoryObserver()
	NewSamplingObserver(none, 0).RecordEvent(MetricsEvent{Name: "e"})
	if len(none.Snapshot()) != 0 {
		t.Fatalf("rate 0 should drop everything")
	}
}

func TestJSONLObserverWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	o := NewJSONLObserver(&buf)
	o.RecordEvent(MetricsEvent{Name: "chunk_flushed", Time: time.Now(), Value: 3200, Tags: map[string]string{"call_id": "CA1"}})
	o.RecordEvent(MetricsEvent{Name: "segment_delivered", Time: time.Now(), Value: 10})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"name":"chunk_flushed"`) || !strings.Contains(lines[0], `"call_id":"CA1"`) {
		t.Fatalf("unexpected line %s", lines[0])
	}
}

func TestAsyncObserverCloseDrainsQueue(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 64)
	for i := 0; i < 20; i++ {
		a.RecordEvent(MetricsEvent{Name: "e"})
	}
	a.Close()
	if n := len(mem.Snapshot()); n != 20 {
		t.Fatalf("expected all 20 events delivered before Close returns, got %d", n)
	}
}

func TestSamplingCountsPerName(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.1)
	for i := 0; i < 5; i++ {
		s.RecordEvent(MetricsEvent{Name: "chunk_flushed"})
	}
	s.RecordEvent(MetricsEvent{Name: "stream_ended"})
	got := mem.Snapshot()
	if len(got) != 2 || got[0].Name != "chunk_flushed" || got[1].Name != "stream_ended" {
		t.Fatalf("unexpected sampled events %+v", got)
	}
}

func TestRecordStampsTime(t *testing.T) {
	var got MetricsEvent
	Record(ObserverFunc(func(ev MetricsEvent) { got = ev }), "observer_attached", 3, map[string]string{"component": "broadcast"})
	if got.Name != "observer_attached" || got.Value != 3 || got.Time.IsZero() || got.Tags["component"] != "broadcast" {
		t.Fatalf("unexpected event %+v", got)
	}
	Record(nil, "ignored", 1, nil)
}
