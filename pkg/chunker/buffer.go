package chunker

import (
	"fmt"
	"time"

	"github.com/harunnryd/callscribe/pkg/codec"
	"github.com/harunnryd/callscribe/pkg/errorsx"
)

const (
	DefaultInterval = 3 * time.Second
	// DefaultMaxBytes is ten seconds of 16 kHz mono 16-bit audio.
	DefaultMaxBytes = codec.TargetRate * 2 * 10
)

// Config controls when a session's audio is cut into requests.
type Config struct {
	Interval   time.Duration `mapstructure:"interval"`
	MaxBytes   int           `mapstructure:"max_bytes"`
	SampleRate int           `mapstructure:"sample_rate"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.SampleRate <= 0 {
		c.SampleRate = codec.TargetRate
	}
	return c
}

// PCMChunk is a run of linear samples at a known rate.
type PCMChunk struct {
	Samples    []int16
	SampleRate int
	Duration   time.Duration
}

// NewPCMChunk computes the duration of samples at rate.
func NewPCMChunk(samples []int16, rate int) PCMChunk {
	var d time.Duration
	if rate > 0 {
		d = time.Duration(len(samples)) * time.Second / time.Duration(rate)
	}
	return PCMChunk{Samples: samples, SampleRate: rate, Duration: d}
}

// Buffer accumulates one session's PCM between flushes.
// It is owned by a single session goroutine and is not safe for concurrent use.
type Buffer struct {
	cfg     Config
	pcm     []int16
	nextSeq int
	started time.Time
}

func NewBuffer(cfg Config) *Buffer {
	cfg = cfg.withDefaults()
	return &Buffer{
		cfg:     cfg,
		pcm:     make([]int16, 0, cfg.MaxBytes/2),
		nextSeq: 1,
	}
}

func (b *Buffer) Config() Config { return b.cfg }

// Append adds samples in arrival order.
func (b *Buffer) Append(chunk PCMChunk) {
	if len(chunk.Samples) == 0 {
		return
	}
	b.pcm = append(b.pcm, chunk.Samples...)
}

// Len is the buffered size in bytes.
func (b *Buffer) Len() int { return len(b.pcm) * 2 }

// Full reports whether the size threshold has been reached.
func (b *Buffer) Full() bool { return b.Len() >= b.cfg.MaxBytes }

// Sequences returns how many requests have been produced.
func (b *Buffer) Sequences() int { return b.nextSeq - 1 }

// Flush cuts everything appended since the last flush into one request and
// clears the accumulator. An empty buffer produces no request.
func (b *Buffer) Flush(callID string, now, deadline time.Time) (*Request, bool, error) {
	if len(b.pcm) == 0 {
		return nil, false, nil
	}
	pcm := b.pcm
	b.pcm = make([]int16, 0, cap(pcm))

	wav, err := codec.EncodeWAV(pcm, b.cfg.SampleRate)
	if err != nil {
		return nil, false, errorsx.Wrap(fmt.Errorf("encode chunk for %s: %w", callID, err), errorsx.ReasonAudioEncode)
	}
	chunk := NewPCMChunk(pcm, b.cfg.SampleRate)
	req := NewRequest(callID, b.nextSeq, wav, now, deadline)
	req.PCMBytes = len(pcm) * 2
	req.SampleRate = chunk.SampleRate
	req.Duration = chunk.Duration
	b.nextSeq++
	return req, true, nil
}
