package chunker

import (
	"errors"
	"sync"
	"time"
)

// State is the lifecycle state of a transcription request.
type State string

const (
	StatePending   State = "PENDING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateTimedOut  State = "TIMED_OUT"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// ErrTerminal is returned when a transition is attempted on a finished request.
var ErrTerminal = errors.New("request already terminal")

// Request is one audio segment submitted for transcription.
// Transitions are monotonic: PENDING moves to exactly one terminal state.
type Request struct {
	CallID      string
	Seq         int
	Audio       []byte // RIFF/WAVE container
	PCMBytes    int
	SampleRate  int
	Duration    time.Duration
	SubmittedAt time.Time
	Deadline    time.Time

	mu         sync.Mutex
	state      State
	finishedAt time.Time
	err        error
}

// NewRequest returns a PENDING request.
func NewRequest(callID string, seq int, audio []byte, submittedAt, deadline time.Time) *Request {
	return &Request{
		CallID:      callID,
		Seq:         seq,
		Audio:       audio,
		SubmittedAt: submittedAt,
		Deadline:    deadline,
		state:       StatePending,
	}
}

func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err is the failure cause for FAILED and TIMED_OUT requests.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// FinishedAt is zero while the request is pending.
func (r *Request) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

func (r *Request) Complete(now time.Time) error {
	return r.transition(StateCompleted, now, nil)
}

func (r *Request) Fail(now time.Time, cause error) error {
	return r.transition(StateFailed, now, cause)
}

func (r *Request) TimeOut(now time.Time, cause error) error {
	return r.transition(StateTimedOut, now, cause)
}

// Expired reports whether the request deadline has passed at now.
func (r *Request) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && !now.Before(r.Deadline)
}

func (r *Request) transition(to State, now time.Time, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return ErrTerminal
	}
	r.state = to
	r.finishedAt = now
	r.err = cause
	return nil
}
