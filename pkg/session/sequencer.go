package session

import (
	"sort"

	"github.com/harunnryd/callscribe/pkg/transcription"
)

// sequencer releases results in request order regardless of completion order.
// Every request yields exactly one result, so a gap only lasts until the
// slower request reaches its terminal state.
type sequencer struct {
	next    int
	pending map[int]transcription.Result
}

func newSequencer() *sequencer {
	return &sequencer{next: 1, pending: make(map[int]transcription.Result)}
}

// Add records res and returns every result that is now releasable, in order.
func (q *sequencer) Add(res transcription.Result) []transcription.Result {
	seq := res.Request.Seq
	if seq < q.next {
		return nil
	}
	q.pending[seq] = res
	var out []transcription.Result
	for {
		r, ok := q.pending[q.next]
		if !ok {
			return out
		}
		delete(q.pending, q.next)
		out = append(out, r)
		q.next++
	}
}

// Drain releases whatever is still held, in order, skipping gaps.
func (q *sequencer) Drain() []transcription.Result {
	if len(q.pending) == 0 {
		return nil
	}
	seqs := make([]int, 0, len(q.pending))
	for s := range q.pending {
		seqs = append(seqs, s)
	}
	sort.Ints(seqs)
	out := make([]transcription.Result, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, q.pending[s])
		delete(q.pending, s)
	}
	q.next = seqs[len(seqs)-1] + 1
	return out
}

func (q *sequencer) Held() int { return len(q.pending) }
