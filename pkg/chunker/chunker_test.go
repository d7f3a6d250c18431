package chunker

import (
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/callscribe/pkg/codec"
)

func TestFlushEmptyProducesNothing(t *testing.T) {
	b := NewBuffer(Config{})
	req, ok, err := b.Flush("call-1", time.Now(), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || req != nil {
		t.Fatalf("expected no request from empty buffer")
	}
	if b.Sequences() != 0 {
		t.Fatalf("expected no sequence consumed, got %d", b.Sequences())
	}
}

func TestFlushProducesOneRequestFromFiveFrames(t *testing.T) {
	b := NewBuffer(Config{})
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0x80
	}
	for i := 0; i < 5; i++ {
		pcm := codec.Process(payload)
		b.Append(NewPCMChunk(pcm, codec.TargetRate))
	}
	if b.Len() != 3200 {
		t.Fatalf("expected 3200 buffered bytes, got %d", b.Len())
	}
	now := time.Unix(100, 0)
	req, ok, err := b.Flush("call-1", now, now.Add(15*time.Second))
	if err != nil || !ok {
		t.Fatalf("expected request, ok=%v err=%v", ok, err)
	}
	if req.CallID != "call-1" || req.Seq != 1 {
		t.Fatalf("unexpected identity: %s/%d", req.CallID, req.Seq)
	}
	if req.PCMBytes != 3200 {
		t.Fatalf("expected 3200 pcm bytes, got %d", req.PCMBytes)
	}
	if req.Duration != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %s", req.Duration)
	}
	if req.State() != StatePending {
		t.Fatalf("expected pending, got %s", req.State())
	}
	info, err := codec.InspectWAV(req.Audio)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if info.SampleRate != codec.TargetRate || info.DataBytes != 3200 {
		t.Fatalf("unexpected wav header: %+v", info)
	}
	if b.Len() != 0 {
		t.Fatalf("expected buffer cleared, got %d", b.Len())
	}
	if _, ok, _ := b.Flush("call-1", now, now); ok {
		t.Fatalf("expected second flush to be empty")
	}
}

func TestSequenceIncrements(t *testing.T) {
	b := NewBuffer(Config{})
	for want := 1; want <= 3; want++ {
		b.Append(NewPCMChunk([]int16{1, 2, 3}, codec.TargetRate))
		req, _, err := b.Flush("c", time.Now(), time.Now())
		if err != nil {
			t.Fatalf("flush: %v", err)
		}
		if req.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, req.Seq)
		}
	}
}

func TestFullThreshold(t *testing.T) {
	b := NewBuffer(Config{MaxBytes: 8})
	b.Append(NewPCMChunk([]int16{1, 2, 3}, codec.TargetRate))
	if b.Full() {
		t.Fatalf("expected not full at 6 bytes")
	}
	b.Append(NewPCMChunk([]int16{4}, codec.TargetRate))
	if !b.Full() {
		t.Fatalf("expected full at 8 bytes")
	}
}

func TestRequestTransitionsAreMonotonic(t *testing.T) {
	now := time.Unix(0, 0)
	req := NewRequest("c", 1, nil, now, now.Add(time.Second))
	if err := req.Complete(now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := req.Fail(now, errors.New("late")); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if err := req.TimeOut(now, nil); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if req.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", req.State())
	}
}

func TestRequestExpired(t *testing.T) {
	now := time.Unix(10, 0)
	req := NewRequest("c", 1, nil, now, now.Add(time.Second))
	if req.Expired(now) {
		t.Fatalf("expected not expired")
	}
	if !req.Expired(now.Add(time.Second)) {
		t.Fatalf("expected expired at deadline")
	}
}
