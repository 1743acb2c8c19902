// Package negotiate turns a device endpoint into an initialized audio client
// with a concrete stream format, applying a descending fallback ladder when
// the device rejects the preferred (native) format.
//
// The ladder:
//
//	rung 0 — the device's reported mix format, unchanged
//	rung 1 — forced mono 16-bit integer PCM with platform auto-conversion
//	rung 2 — rung 1 plus a fixed fallback sample rate (22050 Hz when echo
//	         cancellation will be used, 44100 Hz otherwise)
//	rung 3 — exhausted
//
// A failed Initialize invalidates the client, so every retry re-activates a
// fresh client from the endpoint. When the platform answers a rejection with
// a "closest supported" suggestion, that suggestion is tried before the
// ladder begins descending.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/audiograph/echotap/internal/observe"
	"github.com/audiograph/echotap/pkg/capture"
)

// Fallback ladder rungs. A caller's fallback level names the rung
// negotiation starts at.
const (
	RungNative = iota
	RungMono16
	RungFixedRate
	rungExhausted
)

// Fixed fallback sample rates for rung 2.
const (
	fallbackRateAEC   = capture.DefaultCancellerRate
	fallbackRatePlain = 44100
)

// DefaultBufferDuration is the stream buffer length requested from the
// device.
const DefaultBufferDuration = 5 * time.Second

// ErrExhausted reports that every rung of the fallback ladder was rejected.
var ErrExhausted = errors.New("negotiate: format fallback ladder exhausted")

// Options controls a negotiation run.
type Options struct {
	// Loopback initializes the stream as a loopback capture of a render
	// endpoint.
	Loopback bool

	// EchoCancel selects the echo canceller's rate for the fixed-rate rung.
	EchoCancel bool

	// FallbackLevel (0–3) is the rung the ladder starts at. Level 3 fails
	// immediately.
	FallbackLevel int

	// BufferDuration overrides [DefaultBufferDuration] when positive.
	BufferDuration time.Duration

	// Metrics receives fallback counts. Nil falls back to the process-wide
	// default meter.
	Metrics *observe.Metrics
}

// Negotiate activates a client on ep and initializes it with the first
// format the device accepts, descending the fallback ladder from
// opts.FallbackLevel. On success the returned client is initialized but not
// started. On failure all intermediate clients have been closed.
func Negotiate(ep capture.Endpoint, opts Options) (capture.Client, capture.Format, error) {
	buffer := opts.BufferDuration
	if buffer <= 0 {
		buffer = DefaultBufferDuration
	}

	start := opts.FallbackLevel
	if start < RungNative {
		start = RungNative
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	var lastErr error
	for rung := start; rung < rungExhausted; rung++ {
		client, err := ep.Activate()
		if err != nil {
			return nil, capture.Format{}, fmt.Errorf("negotiate: activate client on %q: %w", ep.ID(), err)
		}

		mix, err := client.MixFormat()
		if err != nil {
			client.Close()
			return nil, capture.Format{}, fmt.Errorf("negotiate: mix format of %q: %w", ep.ID(), err)
		}

		format := formatForRung(mix, rung, opts.EchoCancel)
		err = client.Initialize(format, flagsForRung(rung, opts.Loopback), buffer)
		if err == nil {
			if rung != RungNative {
				slog.Info("format negotiated below native",
					"device", ep.Name(),
					"rung", rung,
					"rate", format.SampleRate,
					"channels", format.Channels,
					"sample", format.Sample.String(),
				)
				metrics.RecordNegotiationFallback(context.Background(), rungName(rung))
			}
			return client, format, nil
		}
		client.Close()

		// The platform may counter a rejection with its closest supported
		// format. Substitute it once, before descending the ladder.
		var fe *capture.FormatError
		if rung == RungNative && errors.As(err, &fe) && fe.Closest != nil {
			closest := *fe.Closest
			client, aerr := ep.Activate()
			if aerr != nil {
				return nil, capture.Format{}, fmt.Errorf("negotiate: re-activate client on %q: %w", ep.ID(), aerr)
			}
			if ierr := client.Initialize(closest, flagsForRung(rung, opts.Loopback), buffer); ierr == nil {
				slog.Info("using device-suggested format",
					"device", ep.Name(),
					"rate", closest.SampleRate,
					"channels", closest.Channels,
					"sample", closest.Sample.String(),
				)
				metrics.RecordNegotiationFallback(context.Background(), "closest")
				return client, closest, nil
			}
			client.Close()
		}

		lastErr = err
	}

	if lastErr == nil {
		return nil, capture.Format{}, fmt.Errorf("%w: fallback level %d leaves no rungs to try", ErrExhausted, opts.FallbackLevel)
	}
	return nil, capture.Format{}, fmt.Errorf("%w (last rejection: %v)", ErrExhausted, lastErr)
}

// formatForRung derives the format attempted at the given rung from the
// device's mix format. Block alignment and byte rate follow from the
// returned channel count and sample width.
func formatForRung(mix capture.Format, rung int, echoCancel bool) capture.Format {
	switch rung {
	case RungNative:
		return mix
	case RungMono16:
		return capture.Format{
			SampleRate: mix.SampleRate,
			Channels:   1,
			Sample:     capture.SampleInt16,
		}
	default:
		rate := fallbackRatePlain
		if echoCancel {
			rate = fallbackRateAEC
		}
		return capture.Format{
			SampleRate: rate,
			Channels:   1,
			Sample:     capture.SampleInt16,
		}
	}
}

// rungName labels ladder rungs for instrumentation.
func rungName(rung int) string {
	switch rung {
	case RungMono16:
		return "mono16"
	case RungFixedRate:
		return "fixed_rate"
	default:
		return "native"
	}
}

func flagsForRung(rung int, loopback bool) capture.InitFlags {
	var flags capture.InitFlags
	if loopback {
		flags |= capture.FlagLoopback
	}
	if rung > RungNative {
		flags |= capture.FlagAutoConvert
	}
	return flags
}
