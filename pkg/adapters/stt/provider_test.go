package stt

import "testing"

func TestJobStateTerminal(t *testing.T) {
	cases := map[JobState]bool{
		JobQueued:     false,
		JobProcessing: false,
		JobCompleted:  true,
		JobError:      true,
		"":            false,
	}
	for state, want := range cases {
		if got := state.Terminal(); got != want {
			t.Fatalf("state %q: expected %v, got %v", state, want, got)
		}
	}
}
