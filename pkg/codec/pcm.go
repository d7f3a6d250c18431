package codec

import (
	"encoding/binary"
	"math"
)

const (
	// SourceRate is the telephony sample rate of μ-law media frames.
	SourceRate = 8000
	// TargetRate is the rate transcription providers receive.
	TargetRate = 16000

	// NoiseGateThreshold zeroes samples whose absolute amplitude is below it.
	NoiseGateThreshold = 120
	// Gain is applied to every sample that passes the noise gate.
	Gain = 1.6
)

// Upsample inserts factor-1 linearly interpolated samples after each input
// sample. The last input sample is held, so the output is always len*factor.
func Upsample(samples []int16, factor int) []int16 {
	if factor <= 1 || len(samples) == 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}
	out := make([]int16, len(samples)*factor)
	for i, s := range samples {
		next := s
		if i+1 < len(samples) {
			next = samples[i+1]
		}
		base := i * factor
		out[base] = s
		for k := 1; k < factor; k++ {
			v := int32(s) + (int32(next)-int32(s))*int32(k)/int32(factor)
			out[base+k] = int16(v)
		}
	}
	return out
}

// Gate applies the noise gate and gain in place and returns samples.
// Samples quieter than threshold become silence; the rest are scaled by gain
// and clamped to the int16 range.
func Gate(samples []int16, threshold int, gain float64) []int16 {
	for i, s := range samples {
		abs := int(s)
		if abs < 0 {
			abs = -abs
		}
		if abs < threshold {
			samples[i] = 0
			continue
		}
		samples[i] = clamp16(math.Round(float64(s) * gain))
	}
	return samples
}

// Process turns one μ-law media payload into gated 16 kHz linear PCM.
// It has no shared state and is safe for concurrent use.
func Process(payload []byte) []int16 {
	if len(payload) == 0 {
		return nil
	}
	pcm := Upsample(DecodeMuLawBuffer(payload), TargetRate/SourceRate)
	return Gate(pcm, NoiseGateThreshold, Gain)
}

// PCMBytes serialises samples as little-endian 16-bit PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Samples parses little-endian 16-bit PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
