package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonSTTSubmit)
	if Reason(err) != ReasonSTTSubmit {
		t.Fatalf("expected reason %s, got %s", ReasonSTTSubmit, Reason(err))
	}
	if !HasReason(err, ReasonSTTSubmit) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTRateLimit)
	second := Wrap(first, ReasonSTTPoll)
	if Reason(second) != ReasonSTTRateLimit {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("dispatch seq 3: %w", Wrap(assertErr{}, ReasonSTTTimeout))
	if Reason(err) != ReasonSTTTimeout {
		t.Fatalf("expected reason %s, got %s", ReasonSTTTimeout, Reason(err))
	}
	var re ReasonedError
	if !errors.As(err, &re) || re.Err == nil {
		t.Fatalf("expected ReasonedError in chain")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonSTTFailed) != nil {
		t.Fatalf("expected nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestCodeMatchesWithErrorsIs(t *testing.T) {
	err := fmt.Errorf("chunk 2: %w", Wrapf(ReasonSTTFailed, "provider said %s", "no speech"))
	if !errors.Is(err, Code(ReasonSTTFailed)) {
		t.Fatalf("expected errors.Is to match the reason code")
	}
	if errors.Is(err, Code(ReasonSTTTimeout)) {
		t.Fatalf("unexpected match on a different code")
	}
	if err.Error() != "chunk 2: provider said no speech" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestAttr(t *testing.T) {
	a := Attr(Wrap(assertErr{}, ReasonAudioEncode))
	if a.Key != "reason_code" || a.Value.String() != string(ReasonAudioEncode) {
		t.Fatalf("unexpected attr %v", a)
	}
	if ReasonAttr(ReasonTransportRead).Value.String() != "transport_read" {
		t.Fatalf("unexpected reason attr")
	}
}
