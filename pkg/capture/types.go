package capture

import "time"

// SampleFormat identifies the in-memory encoding of PCM samples.
type SampleFormat int

const (
	// SampleFloat32 is 32-bit IEEE float PCM, the shared-mode mix format on
	// most platforms.
	SampleFloat32 SampleFormat = iota

	// SampleInt16 is 16-bit signed integer PCM.
	SampleInt16
)

// String returns the human-readable name of the sample format.
func (s SampleFormat) String() string {
	switch s {
	case SampleFloat32:
		return "f32"
	case SampleInt16:
		return "s16"
	default:
		return "unknown"
	}
}

// Bits returns the number of bits per sample for the format.
func (s SampleFormat) Bits() int {
	switch s {
	case SampleFloat32:
		return 32
	case SampleInt16:
		return 16
	default:
		return 0
	}
}

// Channel-mask bits, matching the platform speaker-position flags.
const (
	maskFrontLeft    = 0x1
	maskFrontRight   = 0x2
	maskFrontCenter  = 0x4
	maskLowFrequency = 0x8
	maskBackLeft     = 0x10
	maskBackRight    = 0x20
	maskBackCenter   = 0x100
	maskSideLeft     = 0x200
	maskSideRight    = 0x400
)

// Well-known channel-mask combinations.
const (
	Mask2Point1 = maskFrontLeft | maskFrontRight | maskLowFrequency
	Mask4Point0 = maskFrontLeft | maskFrontRight | maskFrontCenter | maskBackCenter
	Mask4Point1 = Mask4Point0 | maskLowFrequency
	Mask5Point1 = maskFrontLeft | maskFrontRight | maskFrontCenter | maskLowFrequency |
		maskSideLeft | maskSideRight
	Mask7Point1 = maskFrontLeft | maskFrontRight | maskFrontCenter | maskLowFrequency |
		maskBackLeft | maskBackRight | maskSideLeft | maskSideRight
)

// SpeakerLayout describes the channel arrangement of an audio stream.
// The zero value is LayoutUnknown; for plain N-channel streams without a
// recognised mask the layout equals the channel count.
type SpeakerLayout int

const (
	LayoutUnknown SpeakerLayout = iota
	LayoutMono
	LayoutStereo
	Layout2Point1
	Layout4Point0
	Layout4Point1
	Layout5Point1
	Layout7Point1
)

// String returns the human-readable name of the layout.
func (l SpeakerLayout) String() string {
	switch l {
	case LayoutMono:
		return "mono"
	case LayoutStereo:
		return "stereo"
	case Layout2Point1:
		return "2.1"
	case Layout4Point0:
		return "4.0"
	case Layout4Point1:
		return "4.1"
	case Layout5Point1:
		return "5.1"
	case Layout7Point1:
		return "7.1"
	default:
		return "unknown"
	}
}

// Channels returns the number of interleaved channels the layout carries.
func (l SpeakerLayout) Channels() int {
	switch l {
	case LayoutMono:
		return 1
	case LayoutStereo:
		return 2
	case Layout2Point1:
		return 3
	case Layout4Point0:
		return 4
	case Layout4Point1:
		return 5
	case Layout5Point1:
		return 6
	case Layout7Point1:
		return 8
	}
	return int(l)
}

// LayoutFromMask maps a platform channel mask to a [SpeakerLayout], falling
// back to the channel count when the mask is unrecognised or zero.
func LayoutFromMask(mask uint32, channels int) SpeakerLayout {
	switch mask {
	case Mask2Point1:
		return Layout2Point1
	case Mask4Point0:
		return Layout4Point0
	case Mask4Point1:
		return Layout4Point1
	case Mask5Point1:
		return Layout5Point1
	case Mask7Point1:
		return Layout7Point1
	}

	switch channels {
	case 1:
		return LayoutMono
	case 2:
		return LayoutStereo
	}
	return SpeakerLayout(channels)
}

// Format describes a concrete capture stream format negotiated with a device.
// A Format is derived once per session and is immutable for the session's
// lifetime.
type Format struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// Sample is the per-sample encoding.
	Sample SampleFormat

	// ChannelMask is the platform speaker-position mask, zero when the
	// device did not report one.
	ChannelMask uint32
}

// BlockAlign returns the size in bytes of one interleaved sample frame
// (channels × bytes per sample).
func (f Format) BlockAlign() int {
	return f.Channels * f.Sample.Bits() / 8
}

// AvgBytesPerSec returns the stream's byte rate (sample rate × block align).
func (f Format) AvgBytesPerSec() int {
	return f.SampleRate * f.BlockAlign()
}

// Layout returns the speaker layout implied by the format's channel mask
// and channel count.
func (f Format) Layout() SpeakerLayout {
	return LayoutFromMask(f.ChannelMask, f.Channels)
}

// Duration returns the playback duration of n sample frames at the format's
// sample rate.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.SampleRate))
}

// Frame is one unit of audio handed to a [Sink]. The buffer is owned by the
// capture iteration that produced it and must not be retained past the
// Emit call that delivers it.
type Frame struct {
	// Data is interleaved PCM in the encoding given by Sample.
	Data []byte

	// Frames is the number of sample frames in Data.
	Frames int

	// Layout is the speaker arrangement of the interleaved channels.
	Layout SpeakerLayout

	// SampleRate in Hz.
	SampleRate int

	// Sample is the per-sample encoding of Data.
	Sample SampleFormat

	// Timestamp is the presentation time of the first sample frame.
	Timestamp time.Time
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(f.Frames) * int64(time.Second) / int64(f.SampleRate))
}

// Batch is one delivery unit of frames returned by [FrameService.Batch].
type Batch struct {
	// Data is interleaved PCM in the client's negotiated format.
	Data []byte

	// Frames is the number of sample frames in Data.
	Frames int

	// Silent reports that the device flagged the batch as silence.
	Silent bool

	// DeviceTimestamp is the device-clock capture time of the first frame.
	DeviceTimestamp time.Time
}

// Sink consumes the frames a capture source produces. Implementations must
// copy Data if they need it past the Emit call.
type Sink interface {
	Emit(Frame)
}

// Monitor is the owning source's audio-monitoring toggle. The reconnect
// supervisor disables monitoring while a device is being re-opened so that
// repeated failed opens are not audible to the operator.
type Monitor interface {
	// Monitoring reports whether operator audio monitoring is enabled.
	Monitoring() bool

	// SetMonitoring enables or disables operator audio monitoring.
	SetMonitoring(bool)
}
