package mock

import (
	"context"
	"testing"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/codec"
)

func wavAudio(t *testing.T) stt.Audio {
	t.Helper()
	b, err := codec.EncodeWAV([]int16{1, 2, 3, 4}, codec.TargetRate)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return stt.Audio{CallID: "call-1", Seq: 1, Data: b}
}

func TestSTTCyclesTranscriptsAfterPendingPolls(t *testing.T) {
	s := NewSTT(STTConfig{Transcripts: []string{"one.", "two."}, PendingPolls: 1})
	ctx := context.Background()
	for _, want := range []string{"one.", "two.", "one."} {
		id, err := s.Submit(ctx, wavAudio(t))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		st, err := s.Status(ctx, id)
		if err != nil || st.State != stt.JobProcessing {
			t.Fatalf("expected processing first, got %+v err=%v", st, err)
		}
		st, err = s.Status(ctx, id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.State != stt.JobCompleted || st.Text != want {
			t.Fatalf("expected %q completed, got %+v", want, st)
		}
	}
}

func TestSTTFailEvery(t *testing.T) {
	s := NewSTT(STTConfig{FailEvery: 2})
	ctx := context.Background()
	id1, _ := s.Submit(ctx, wavAudio(t))
	id2, _ := s.Submit(ctx, wavAudio(t))
	if st, _ := s.Status(ctx, id1); st.State != stt.JobCompleted {
		t.Fatalf("expected first job completed, got %s", st.State)
	}
	if st, _ := s.Status(ctx, id2); st.State != stt.JobError {
		t.Fatalf("expected second job error, got %s", st.State)
	}
}

func TestSTTRejectsNonWAV(t *testing.T) {
	s := NewSTT(STTConfig{})
	if _, err := s.Submit(context.Background(), stt.Audio{Data: []byte("nope")}); err == nil {
		t.Fatalf("expected error for invalid container")
	}
}

func TestSTTUnknownJob(t *testing.T) {
	s := NewSTT(STTConfig{})
	if _, err := s.Status(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}
