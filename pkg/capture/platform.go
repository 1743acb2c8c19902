// Package capture defines the interfaces and types for real-time audio
// capture within echotap.
//
// The central abstractions mirror a shared-mode platform audio API:
//
//   - [Platform] — enumerates and resolves audio [Endpoint] handles.
//   - [Endpoint] — one selectable device; activation yields a [Client].
//   - [Client] — a per-endpoint audio client that negotiates a [Format],
//     starts and stops the stream, and exposes frame delivery through a
//     [FrameService].
//   - [Canceller] — an opaque dual-input echo-cancellation transform.
//
// Implementations of these interfaces are provided by platform adapter
// packages (e.g. capture/miniaudio). The interfaces are intentionally narrow
// to keep the session and capture-loop logic decoupled from device details.
//
// This package lives under pkg/ because external code (third-party platform
// adapters, alternative cancellers, downstream sinks) is expected to
// implement these interfaces.
package capture

import (
	"errors"
	"fmt"
	"time"
)

// Direction distinguishes capture (input) endpoints from render (output)
// endpoints.
type Direction int

const (
	// DirectionCapture selects microphone-style input endpoints.
	DirectionCapture Direction = iota

	// DirectionRender selects playback endpoints. Capturing from a render
	// endpoint yields the loopback of whatever is being played.
	DirectionRender
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionCapture:
		return "capture"
	case DirectionRender:
		return "render"
	default:
		return "unknown"
	}
}

// Role selects which default endpoint the platform resolves for a direction.
type Role int

const (
	// RoleConsole is the general-purpose default device.
	RoleConsole Role = iota

	// RoleCommunications is the default device designated for voice
	// communication.
	RoleCommunications
)

// EndpointInfo identifies one enumerable endpoint.
type EndpointInfo struct {
	// ID is the stable platform identifier of the endpoint.
	ID string

	// Name is the human-readable device name.
	Name string
}

// ErrDeviceInvalidated is the distinguished error a [Client] or
// [FrameService] returns when the underlying device has disappeared
// (unplugged, default-device change, exclusive-mode conflict). Callers
// treat it as transient and hand the session to the reconnect supervisor.
var ErrDeviceInvalidated = errors.New("capture: device invalidated")

// ErrEndpointNotFound is returned by [Platform.Endpoint] and
// [Platform.DefaultEndpoint] when no matching device exists.
var ErrEndpointNotFound = errors.New("capture: endpoint not found")

// FormatError reports that a device rejected a requested stream format.
// When the platform can suggest a usable alternative, Closest carries it;
// format negotiation substitutes the suggestion before descending its
// fallback ladder.
type FormatError struct {
	// Requested is the format the device rejected.
	Requested Format

	// Closest is the platform's suggested supported format, nil when the
	// platform offered none.
	Closest *Format
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	if e.Closest != nil {
		return fmt.Sprintf("capture: format %dHz/%dch/%s rejected (closest: %dHz/%dch/%s)",
			e.Requested.SampleRate, e.Requested.Channels, e.Requested.Sample,
			e.Closest.SampleRate, e.Closest.Channels, e.Closest.Sample)
	}
	return fmt.Sprintf("capture: format %dHz/%dch/%s rejected",
		e.Requested.SampleRate, e.Requested.Channels, e.Requested.Sample)
}

// InitFlags alters how a [Client] stream is initialized.
type InitFlags uint32

const (
	// FlagLoopback initializes a capture stream on a render endpoint that
	// delivers the signal currently being played.
	FlagLoopback InitFlags = 1 << iota

	// FlagAutoConvert asks the platform to insert its own sample-rate and
	// format conversion instead of rejecting a non-native format.
	FlagAutoConvert
)

// Platform is the entry point to a machine's audio devices.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Endpoints lists the currently present endpoints with the given
	// direction.
	Endpoints(d Direction) ([]EndpointInfo, error)

	// DefaultEndpoint resolves the platform default endpoint for the given
	// direction and role. Returns [ErrEndpointNotFound] when no device of
	// that direction is present.
	DefaultEndpoint(d Direction, r Role) (Endpoint, error)

	// Endpoint resolves an endpoint by its stable identifier. Returns
	// [ErrEndpointNotFound] when the id does not match a present device.
	Endpoint(id string) (Endpoint, error)
}

// Endpoint is a handle to one physical or virtual audio device. Handles are
// resolved fresh at session-open time and never cached across reconnects.
type Endpoint interface {
	// ID returns the stable platform identifier.
	ID() string

	// Name returns the human-readable device name.
	Name() string

	// Activate creates a new audio [Client] on the endpoint. A failed
	// Initialize invalidates the client; callers must Activate again before
	// retrying with a different format.
	Activate() (Client, error)
}

// Client is an activated audio client on one endpoint.
//
// The lifecycle is strictly: MixFormat → Initialize → service acquisition →
// Start → … → Stop → Close. Initialize may be called at most once per
// activation.
type Client interface {
	// MixFormat returns the device's preferred shared-mode format.
	MixFormat() (Format, error)

	// Initialize configures the stream with the given format and buffer
	// duration. Returns a [*FormatError] when the device rejects the format,
	// in which case the client is invalidated and must be re-activated.
	Initialize(f Format, flags InitFlags, bufferDuration time.Duration) error

	// Start begins the stream.
	Start() error

	// Stop halts the stream. Safe to call on a never-started client.
	Stop() error

	// DataReady returns the channel signalled whenever the device has
	// captured frames ready to drain. Render-only clients never signal.
	DataReady() <-chan struct{}

	// CaptureService returns the frame-delivery service for an initialized
	// capture (or loopback) stream.
	CaptureService() (FrameService, error)

	// RenderService returns the render service for an initialized render
	// stream.
	RenderService() (RenderService, error)

	// Close releases the client's native resources. Safe to call multiple
	// times.
	Close() error
}

// FrameService delivers captured frame batches. One batch corresponds to one
// device period; callers drain by looping NextBatchSize/Batch/Release until
// NextBatchSize reports zero.
type FrameService interface {
	// NextBatchSize returns the number of frames in the next pending batch,
	// zero when no data is waiting. Returns [ErrDeviceInvalidated] when the
	// device has disappeared.
	NextBatchSize() (int, error)

	// Batch returns the next pending batch. The returned buffer is only
	// valid until the matching Release call.
	Batch() (Batch, error)

	// Release returns the batch buffer to the device. frames must equal the
	// Frames count of the batch being released.
	Release(frames int) error
}

// RenderService writes playback data to an initialized render stream.
type RenderService interface {
	// BufferFrames returns the total size of the render buffer in frames.
	BufferFrames() (int, error)

	// WriteSilence fills n frames of the render buffer with silence.
	// Keeping a silent buffer queued prevents the platform from suspending
	// the stream clock during silence, which would corrupt capture
	// timestamps.
	WriteSilence(n int) error
}
