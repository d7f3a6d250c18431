package observers

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/callscribe/pkg/chunker"
	"github.com/harunnryd/callscribe/pkg/codec"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func event(name string, value float64, tags map[string]string) metrics.MetricsEvent {
	return metrics.MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags}
}

func TestPrometheusObserverCounts(t *testing.T) {
	p := NewPrometheusObserver("")
	p.RecordEvent(event("session_started", 2, map[string]string{"call_id": "a"}))
	p.RecordEvent(event("connection_opened", 1, map[string]string{"role": "observer"}))
	p.RecordEvent(event("connection_reclassified", 1, nil))
	p.RecordEvent(event("frame_decoded", 160, nil))
	p.RecordEvent(event("frame_decoded", 160, nil))
	p.RecordEvent(event("chunk_flushed", 3200, nil))
	p.RecordEvent(event("transcription_result", 1500, map[string]string{"provider": "mock_stt", "state": "COMPLETED"}))
	p.RecordEvent(event("segment_delivered", 800, map[string]string{"reason": "complete_sentence"}))
	p.RecordEvent(event("observer_connected", 3, nil))
	p.RecordEvent(event("session_ended", 1, map[string]string{"call_id": "a"}))

	if got := testutil.ToFloat64(p.SessionsActive); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(p.SessionsTotal); got != 1 {
		t.Fatalf("expected 1 started session, got %v", got)
	}
	if got := testutil.ToFloat64(p.ConnectionsTotal.WithLabelValues("observer")); got != 1 {
		t.Fatalf("expected 1 observer connection, got %v", got)
	}
	if got := testutil.ToFloat64(p.Reclassifications); got != 1 {
		t.Fatalf("expected 1 reclassification, got %v", got)
	}
	if got := testutil.ToFloat64(p.FramesDecoded); got != 2 {
		t.Fatalf("expected 2 frames, got %v", got)
	}
	if got := testutil.ToFloat64(p.ChunkBytes); got != 3200 {
		t.Fatalf("expected 3200 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(p.TranscriptionTotal.WithLabelValues("mock_stt", "COMPLETED")); got != 1 {
		t.Fatalf("expected 1 completed transcription, got %v", got)
	}
	if got := testutil.ToFloat64(p.SegmentsTotal.WithLabelValues("complete_sentence")); got != 1 {
		t.Fatalf("expected 1 segment, got %v", got)
	}
	if got := testutil.ToFloat64(p.ObserversConnected); got != 3 {
		t.Fatalf("expected 3 observers, got %v", got)
	}
}

func TestPrometheusHandlerExposesSeries(t *testing.T) {
	p := NewPrometheusObserver("callscribe")
	p.RecordEvent(event("chunk_flushed", 640, nil))
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "callscribe_chunks_flushed_total 1") {
		t.Fatalf("expected chunk counter in exposition, got:\n%s", body)
	}
}

func TestLatencyObserverSummarisesAtSessionEnd(t *testing.T) {
	var buf bytes.Buffer
	o := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	tags := map[string]string{"call_id": "CA1", "state": "COMPLETED"}
	o.RecordEvent(event("transcription_result", 1000, tags))
	o.RecordEvent(event("transcription_result", 3000, tags))
	o.RecordEvent(event("segment_delivered", 500, map[string]string{"call_id": "CA1"}))
	if o.Tracked() != 1 {
		t.Fatalf("expected one tracked call")
	}
	o.RecordEvent(event("session_ended", 0, map[string]string{"call_id": "CA1"}))
	if o.Tracked() != 0 {
		t.Fatalf("expected call released")
	}
	out := buf.String()
	for _, want := range []string{"call_latency", "requests=2", "completed=2", "transcription_avg_ms=2000", "transcription_max_ms=3000", "segments=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %s", want, out)
		}
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a := metrics.NewMemoryObserver()
	b := metrics.NewMemoryObserver()
	m := NewMultiObserver(a, nil, b)
	m.RecordEvent(event("x", 1, nil))
	if len(a.Snapshot()) != 1 || len(b.Snapshot()) != 1 {
		t.Fatalf("expected both observers to receive the event")
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestAudioRecorderWritesWAV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audio")
	rec, err := NewAudioRecorder(dir)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	wav, err := codec.EncodeWAV(make([]int16, 320), codec.TargetRate)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := chunker.NewRequest("CA:9", 3, wav, time.Now(), time.Now().Add(time.Second))
	if err := rec.Record(req); err != nil {
		t.Fatalf("record: %v", err)
	}
	path := rec.Path("CA:9", 3)
	if filepath.Base(path) != "CA_9-0003.wav" {
		t.Fatalf("unexpected path %s", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if info, err := codec.InspectWAV(b); err != nil || info.DataBytes != 640 {
		t.Fatalf("unexpected wav %+v err=%v", info, err)
	}
	if _, err := NewAudioRecorder(""); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}

func TestPurgeArtifactsRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.wav")
	fresh := filepath.Join(dir, "fresh.wav")
	_ = os.WriteFile(old, []byte("x"), 0o644)
	_ = os.WriteFile(fresh, []byte("y"), 0o644)
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	n, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 removed, got %d err=%v", n, err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file must remain")
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), time.Hour); err != nil || n != 0 {
		t.Fatalf("missing dir should be a no-op, got %d %v", n, err)
	}
}

func TestRunRetentionStopsWithContext(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	_ = os.WriteFile(old, []byte("x"), 0o644)
	past := time.Now().Add(-2 * time.Hour)
	_ = os.Chtimes(old, past, past)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunRetention(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Hour, time.Hour, dir)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(old); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected old artifact purged")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("retention loop did not stop")
	}
}

func TestLoggerObserverGroupsTags(t *testing.T) {
	var buf bytes.Buffer
	o := NewLoggerObserver(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	o.RecordEvent(event("chunk_flushed", 3200, map[string]string{"call_id": "CA1"}))
	line := buf.String()
	for _, want := range []string{`"msg":"chunk_flushed"`, `"component":"metrics"`, `"tags":{"call_id":"CA1"}`, `"value":3200`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in %s", want, line)
		}
	}

	buf.Reset()
	quiet := NewLoggerObserver(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	quiet.RecordEvent(event("chunk_flushed", 1, nil))
	if buf.Len() != 0 {
		t.Fatalf("expected nothing above debug, got %s", buf.String())
	}
}
