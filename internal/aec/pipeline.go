// Package aec drives an opaque dual-input echo canceller: it converts
// near-end capture batches and far-end loopback batches to the canceller's
// 16-bit mono contract, aligns them through a delay queue, and produces a
// single cleaned mono stream — or falls back to emitting the raw near end
// when no far-end reference is available.
package aec

import (
	"log/slog"
	"time"

	"github.com/audiograph/echotap/pkg/capture"
	"github.com/audiograph/echotap/pkg/pcm"
)

// enqueueLead is subtracted from the wall clock when a near-end batch is
// queued, matching the capture-side buffering ahead of the canceller.
const enqueueLead = 10 * time.Millisecond

// Config assembles a [Pipeline].
type Config struct {
	// Canceller is the opaque echo-cancellation transform. Required.
	Canceller capture.Canceller

	// InputDelay is the near-end queue depth, in batches, held back before
	// the oldest batch is fed to the canceller.
	InputDelay int

	// NearFormat is the negotiated capture format of the near-end stream.
	NearFormat capture.Format

	// FarFormat is the negotiated format of the loopback reference stream.
	FarFormat capture.Format

	// OutputRate is the canceller's fixed output rate in Hz. Zero selects
	// [capture.DefaultCancellerRate].
	OutputRate int

	// Dump optionally receives the three raw PCM streams. May be nil.
	Dump *Dump

	// Now overrides the wall clock in tests. Nil means time.Now.
	Now func() time.Time
}

// Pipeline owns the pending-reference queue and the canceller's activity
// state. It is driven by a single capture loop and is not safe for
// concurrent use.
type Pipeline struct {
	canceller  capture.Canceller
	delay      int
	near       capture.Format
	far        capture.Format
	outputRate int
	dump       *Dump
	now        func() time.Time

	queue referenceQueue

	// active tracks whether the canceller produced output on the previous
	// pairing. A gap in real use means its adaptive state is stale and must
	// be flushed before the next pairing.
	active bool
}

// New creates a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	outputRate := cfg.OutputRate
	if outputRate == 0 {
		outputRate = capture.DefaultCancellerRate
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		canceller:  cfg.Canceller,
		delay:      cfg.InputDelay,
		near:       cfg.NearFormat,
		far:        cfg.FarFormat,
		outputRate: outputRate,
		dump:       cfg.Dump,
		now:        now,
	}
}

// Depth returns the current pending-reference queue depth.
func (p *Pipeline) Depth() int {
	return p.queue.len()
}

// Active reports whether the canceller produced the most recent output. A
// false value means the last emission, if any, was a bypass.
func (p *Pipeline) Active() bool {
	return p.active
}

// Process consumes one near-end batch and an optionally-absent far-end
// batch, and returns at most one output frame. ok is false while the queue
// is still filling to the configured delay.
//
// When a far-end batch is present and the canceller succeeds, the frame is
// cleaned mono 16-bit at the canceller's fixed rate. Otherwise the popped
// near-end batch is emitted unmodified (bypass) as mono 16-bit at the
// negotiated near-end rate, and the canceller is marked inactive so its
// next real use is preceded by a flush.
func (p *Pipeline) Process(near capture.Batch, far *capture.Batch) (frame capture.Frame, ok bool) {
	iterTime := p.now().Add(-enqueueLead)

	p.queue.push(pendingBatch{
		pcm:       toMono16(near.Data, p.near),
		timestamp: iterTime,
	})

	var farPCM []byte
	if far != nil && far.Frames > 0 {
		farPCM = toMono16(far.Data, p.far)
	}

	if p.queue.len() <= p.delay {
		return capture.Frame{}, false
	}

	popped := p.queue.pop()

	if farPCM != nil {
		out, emit, handled := p.cancel(popped, farPCM, iterTime)
		if handled {
			return out, emit
		}
	}

	// Bypass: no reference this iteration, or the canceller failed. Emit
	// the raw near end and force a flush before the next real pairing.
	p.active = false
	if len(popped.pcm) <= 1 {
		return capture.Frame{}, false
	}
	return capture.Frame{
		Data:       popped.pcm,
		Frames:     len(popped.pcm) / 2,
		Layout:     capture.LayoutMono,
		SampleRate: p.near.SampleRate,
		Sample:     capture.SampleInt16,
		Timestamp:  popped.timestamp,
	}, true
}

// cancel feeds one aligned near/far pair through the canceller. handled is
// false on any canceller failure so the caller falls back to bypass; emit
// is false when the canceller succeeded but had no output ready yet.
func (p *Pipeline) cancel(near pendingBatch, farPCM []byte, farTime time.Time) (frame capture.Frame, emit, handled bool) {
	p.dump.writeNear(near.pcm)
	p.dump.writeFar(farPCM)

	if !p.active {
		if err := p.canceller.Flush(); err != nil {
			slog.Warn("aec: canceller flush failed", "err", err)
			return capture.Frame{}, false, false
		}
	}

	nearDur := pcm.Duration(len(near.pcm)/2, p.near.SampleRate)
	if err := p.canceller.ProcessInput(capture.StreamNearEnd, near.pcm, near.timestamp, nearDur); err != nil {
		slog.Error("aec: near-end input failed", "err", err)
		return capture.Frame{}, false, false
	}

	farDur := pcm.Duration(len(farPCM)/2, p.far.SampleRate)
	if err := p.canceller.ProcessInput(capture.StreamFarEnd, farPCM, farTime, farDur); err != nil {
		slog.Error("aec: far-end input failed", "err", err)
		return capture.Frame{}, false, false
	}

	out, err := p.canceller.ProcessOutput()
	if err != nil {
		slog.Error("aec: output processing failed", "err", err)
		return capture.Frame{}, false, false
	}

	p.active = true
	if len(out) <= 1 {
		return capture.Frame{}, false, true
	}

	p.dump.writeOut(out)

	return capture.Frame{
		Data:       out,
		Frames:     len(out) / 2,
		Layout:     capture.LayoutMono,
		SampleRate: p.outputRate,
		Sample:     capture.SampleInt16,
		Timestamp:  near.timestamp,
	}, true, true
}

// toMono16 converts one batch to the canceller's 16-bit mono contract.
// Already-int16 input skips the float conversion entirely.
func toMono16(data []byte, f capture.Format) []byte {
	if f.Sample == capture.SampleInt16 {
		return pcm.FirstChannelInt16(data, f.Channels)
	}
	return pcm.FirstChannelFloat32ToInt16(data, f.Channels)
}
