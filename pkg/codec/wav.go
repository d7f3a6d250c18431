package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

const (
	wavFormatPCM = 1
	bitDepth     = 16
	monoChannels = 1
)

// WAVInfo describes the header of an encoded container.
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Format     int
	DataBytes  int64
	Duration   time.Duration
}

// EncodeWAV wraps mono 16-bit samples in a RIFF/WAVE container.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, errors.New("empty audio")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: monoChannels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	out := &writerseeker.WriterSeeker{}
	enc := wav.NewEncoder(out, sampleRate, bitDepth, monoChannels, wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("wav write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("wav close: %w", err)
	}
	b, err := io.ReadAll(out.Reader())
	if err != nil {
		return nil, fmt.Errorf("wav read: %w", err)
	}
	return b, nil
}

// InspectWAV reads the container header produced by EncodeWAV.
func InspectWAV(b []byte) (WAVInfo, error) {
	dec := wav.NewDecoder(bytes.NewReader(b))
	if !dec.IsValidFile() {
		return WAVInfo{}, errors.New("invalid wav container")
	}
	if err := dec.FwdToPCM(); err != nil {
		return WAVInfo{}, fmt.Errorf("wav pcm chunk: %w", err)
	}
	info := WAVInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Format:     int(dec.WavAudioFormat),
		DataBytes:  dec.PCMLen(),
	}
	if bytesPerSec := info.SampleRate * info.Channels * info.BitDepth / 8; bytesPerSec > 0 {
		info.Duration = time.Duration(info.DataBytes) * time.Second / time.Duration(bytesPerSec)
	}
	return info, nil
}

// DecodeWAV returns the samples of a 16-bit mono container.
func DecodeWAV(b []byte) ([]int16, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(b))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav container")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("wav decode: %w", err)
	}
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = int16(v)
	}
	return out, int(dec.SampleRate), nil
}
