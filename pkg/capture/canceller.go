package capture

import "time"

// Canceller stream indices. The near end is the microphone capture; the far
// end is the loopback of the playback signal that may echo back into the
// microphone.
const (
	StreamNearEnd = 0
	StreamFarEnd  = 1
)

// DefaultCancellerRate is the fixed output sample rate of the reference
// canceller, in Hz. It is an empirical default tied to the canceller
// implementation, not a protocol requirement.
const DefaultCancellerRate = 22050

// CancellerConfig describes the fixed input/output contract a [Canceller]
// is constructed with. Both inputs are 16-bit mono PCM at their respective
// rates; the output is 16-bit mono PCM at OutputRate.
type CancellerConfig struct {
	// NearRate is the sample rate of the near-end input stream in Hz.
	NearRate int

	// FarRate is the sample rate of the far-end input stream in Hz.
	FarRate int

	// OutputRate is the sample rate of the cleaned output stream in Hz.
	// Zero selects [DefaultCancellerRate].
	OutputRate int
}

// Canceller is an opaque acoustic echo cancellation transform. It consumes
// two parallel 16-bit mono PCM streams and produces a single cleaned mono
// stream at a fixed rate. It holds adaptive state across calls; callers must
// Flush whenever input stops being supplied continuously, or stale state
// corrupts the next adaptation.
//
// Implementations need not be safe for concurrent use — a canceller is owned
// by exactly one capture loop.
type Canceller interface {
	// ProcessInput feeds one batch of 16-bit mono PCM into the given stream
	// (StreamNearEnd or StreamFarEnd).
	ProcessInput(stream int, pcm []byte, timestamp time.Time, duration time.Duration) error

	// ProcessOutput returns the next cleaned output batch, or nil when no
	// output is ready. The returned buffer is valid until the next
	// ProcessOutput call.
	ProcessOutput() ([]byte, error)

	// Flush discards internal adaptive state.
	Flush() error
}

// CancellerFactory constructs a [Canceller] for a session. Construction
// failure is non-fatal to the session: capture proceeds without echo
// cancellation.
type CancellerFactory func(CancellerConfig) (Canceller, error)
