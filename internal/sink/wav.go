// Package sink provides the daemon's downstream frame consumers. The main
// one is a WAV file writer that accepts frames in whatever format the
// capture source emits, converting channel count and sample rate to the
// file's fixed format on the fly. Cancelled output arrives as 22050 Hz
// mono while raw and bypass frames carry device rates, so a session can
// feed a single file with a mixed stream.
package sink

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/oov/audio/resampler"

	"github.com/audiograph/echotap/pkg/capture"
	"github.com/audiograph/echotap/pkg/pcm"
)

const resampleQuality = 10

// WAVFile writes emitted frames to a 16-bit WAV file. It implements
// [capture.Sink] and is safe for concurrent use, though the capture source
// emits from a single goroutine.
type WAVFile struct {
	mu     sync.Mutex
	log    *slog.Logger
	file   *os.File
	enc    *wav.Encoder
	rate   int
	stereo bool
	closed bool

	// One resampler per source rate, keyed by rate. Frame rates are stable
	// within a session path (cancelled vs raw), so the map stays tiny.
	resamplers map[int]*resampler.Resampler
}

// NewWAVFile creates the file at path and prepares a 16-bit encoder for
// the given rate and channel count (1 or 2).
func NewWAVFile(path string, rate, channels int) (*WAVFile, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("sink: unsupported channel count %d", channels)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: create %q: %w", path, err)
	}
	return &WAVFile{
		log:        slog.Default().With("wav_file", path),
		file:       f,
		enc:        wav.NewEncoder(f, rate, 16, channels, 1),
		rate:       rate,
		stereo:     channels == 2,
		resamplers: make(map[int]*resampler.Resampler),
	}, nil
}

// Emit implements [capture.Sink]. Write failures are logged and the frame
// dropped; file I/O must never stall the capture loop's error handling.
func (w *WAVFile) Emit(frame capture.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || frame.Frames == 0 {
		return
	}

	planar := w.toPlanar(frame)
	if planar == nil {
		return
	}
	if frame.SampleRate != w.rate {
		planar = w.resample(frame.SampleRate, planar)
	}

	if err := w.enc.Write(w.interleave(planar)); err != nil {
		w.log.Error("wav write failed, frame dropped", "error", err)
	}
}

// Close finalizes the WAV header and closes the file.
func (w *WAVFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.enc.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("sink: finalize wav: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("sink: close wav: %w", err)
	}
	return nil
}

// toPlanar decodes the frame into per-channel float samples matching the
// file's channel count: mono frames are duplicated for a stereo file,
// multi-channel frames averaged down for a mono file.
func (w *WAVFile) toPlanar(frame capture.Frame) [][]float32 {
	var interleaved []float32
	switch frame.Sample {
	case capture.SampleFloat32:
		interleaved = pcm.Float32Samples(frame.Data)
	case capture.SampleInt16:
		interleaved = pcm.Int16Samples(frame.Data)
	default:
		w.log.Warn("unsupported sample format, frame dropped", "sample", frame.Sample.String())
		return nil
	}

	channels := frame.Layout.Channels()
	if channels <= 0 || len(interleaved) < channels {
		return nil
	}
	frames := len(interleaved) / channels

	if w.stereo {
		left := make([]float32, frames)
		right := make([]float32, frames)
		for i := range frames {
			left[i] = interleaved[i*channels]
			if channels > 1 {
				right[i] = interleaved[i*channels+1]
			} else {
				right[i] = left[i]
			}
		}
		return [][]float32{left, right}
	}

	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return [][]float32{mono}
}

// resample converts planar samples from srcRate to the file rate, keeping
// per-rate resampler state across frames for continuity at batch borders.
func (w *WAVFile) resample(srcRate int, planar [][]float32) [][]float32 {
	r, ok := w.resamplers[srcRate]
	if !ok {
		r = resampler.New(len(planar), srcRate, w.rate, resampleQuality)
		w.resamplers[srcRate] = r
	}

	out := make([][]float32, len(planar))
	min := -1
	for ch, in := range planar {
		buf := make([]float32, len(in)*w.rate/srcRate+16)
		_, written := r.ProcessFloat32(ch, in, buf)
		out[ch] = buf[:written]
		if min < 0 || written < min {
			min = written
		}
	}
	// Channels can land one sample apart at batch borders; trim to the
	// shortest so the interleave stays aligned.
	for ch := range out {
		out[ch] = out[ch][:min]
	}
	return out
}

// interleave packs planar channels into the encoder's int buffer.
func (w *WAVFile) interleave(planar [][]float32) *goaudio.IntBuffer {
	channels := len(planar)
	frames := len(planar[0])
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			SampleRate:  w.rate,
			NumChannels: channels,
		},
		Data:           make([]int, frames*channels),
		SourceBitDepth: 16,
	}
	for i := range frames {
		for c := range channels {
			s := planar[c][i]
			if s > 1 {
				s = 1
			} else if s < -1 {
				s = -1
			}
			buf.Data[i*channels+c] = int(s * 0x7fff)
		}
	}
	return buf
}

// Discard is a [capture.Sink] that drops every frame. It stands in for the
// WAV file when no output path is configured.
type Discard struct{}

// Emit implements [capture.Sink].
func (Discard) Emit(capture.Frame) {}
