// Package pcm provides small PCM buffer conversions used by the capture
// pipeline and sinks: float→int16 conversion with clamping, first-channel
// downmix, channel count conversion, and duration arithmetic.
//
// All functions treat buffers as little-endian interleaved PCM and allocate
// their result; inputs are never modified.
package pcm

import (
	"encoding/binary"
	"math"
	"time"
)

// Duration returns the playback duration of frames sample frames at rate Hz.
func Duration(frames, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}

// clampFloat clamps f to [-1, 1] and scales to the int16 range.
func clampFloat(f float32) int16 {
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	return int16(f * 0x7fff)
}

// Float32ToInt16 converts 32-bit float PCM to 16-bit integer PCM, preserving
// the channel interleave. Samples outside [-1, 1] are clamped.
func Float32ToInt16(data []byte) []byte {
	samples := len(data) / 4
	out := make([]byte, samples*2)
	for i := range samples {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clampFloat(f)))
	}
	return out
}

// FirstChannelFloat32ToInt16 extracts the first channel of interleaved
// 32-bit float PCM and converts it to 16-bit mono. This is the downmix the
// echo-cancellation pipeline applies to capture batches: one sample per
// frame, clamped and scaled.
func FirstChannelFloat32ToInt16(data []byte, channels int) []byte {
	if channels <= 0 {
		return nil
	}
	frames := len(data) / (4 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		f := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4*channels:]))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clampFloat(f)))
	}
	return out
}

// FirstChannelInt16 extracts the first channel of interleaved 16-bit PCM.
// Mono input is returned as a fresh copy, so the result is always safe to
// retain past the source buffer's lifetime.
func FirstChannelInt16(data []byte, channels int) []byte {
	if channels <= 0 {
		return nil
	}
	if channels == 1 {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	frames := len(data) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		out[i*2] = data[i*2*channels]
		out[i*2+1] = data[i*2*channels+1]
	}
	return out
}

// Float32Samples decodes 32-bit float PCM bytes into samples, preserving
// the channel interleave.
func Float32Samples(data []byte) []float32 {
	samples := len(data) / 4
	out := make([]float32, samples)
	for i := range samples {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// Int16Samples decodes 16-bit PCM bytes into normalized [-1, 1] float
// samples, preserving the channel interleave.
func Int16Samples(data []byte) []float32 {
	samples := len(data) / 2
	out := make([]float32, samples)
	for i := range samples {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 0x7fff
	}
	return out
}

// MonoToStereo16 duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo16(data []byte) []byte {
	out := make([]byte, (len(data)/2)*4)
	for i := 0; i+1 < len(data); i += 2 {
		lo, hi := data[i], data[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono16 averages L+R per stereo frame to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to the int16 range.
func StereoToMono16(data []byte) []byte {
	frames := len(data) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(data[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(data[i*4+2:])))
		avg := (l + r) / 2
		if avg > math.MaxInt16 {
			avg = math.MaxInt16
		} else if avg < math.MinInt16 {
			avg = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(avg)))
	}
	return out
}
