// Package config provides the configuration schema, loader, change
// classification, and file watcher for the echotap capture daemon.
package config

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SourceType selects the capture source variant.
type SourceType string

const (
	// SourceInput captures from a microphone-style input endpoint, with
	// optional echo cancellation against the default render endpoint.
	SourceInput SourceType = "input"

	// SourceOutput captures the loopback of a render endpoint.
	SourceOutput SourceType = "output"
)

// IsValid reports whether t is a recognised source type.
func (t SourceType) IsValid() bool {
	return t == SourceInput || t == SourceOutput
}

// DefaultDeviceID is the sentinel selecting the platform default endpoint.
const DefaultDeviceID = "default"

// DefaultAECInputDelay is the default near-end queue depth, in frame
// batches, held back before feeding the echo canceller.
const DefaultAECInputDelay = 2

// Config is the root configuration structure for echotap. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Source SourceConfig `yaml:"source"`
	Output OutputConfig `yaml:"output"`
}

// ServerConfig holds logging and HTTP settings for the daemon.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /healthz, /readyz and /metrics
	// (e.g. ":8080"). Empty disables the HTTP listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// SourceConfig holds the capture source tunables. A change to any field
// other than use_device_timing forces a full session teardown and rebuild.
type SourceConfig struct {
	// Type selects the input or output source variant.
	Type SourceType `yaml:"type"`

	// DeviceID is the endpoint identifier, or "default" for the platform
	// default endpoint.
	DeviceID string `yaml:"device_id"`

	// UseDeviceTiming stamps emitted frames with the device-reported
	// capture time instead of wall clock minus batch duration. When unset
	// it defaults to false for input sources and true for output sources.
	UseDeviceTiming *bool `yaml:"use_device_timing"`

	// DisableEchoCancellation turns off the echo-cancellation pipeline for
	// input sources. Output sources never cancel.
	DisableEchoCancellation bool `yaml:"disable_echo_cancellation"`

	// InputFormatMode (0–3) is the rung of the format fallback ladder
	// negotiation starts at, for devices known to need degraded formats.
	InputFormatMode int `yaml:"input_format_mode"`

	// AECInputDelay is the near-end queue depth in frame batches. Zero
	// means [DefaultAECInputDelay] after loading.
	AECInputDelay int `yaml:"aec_input_delay"`

	// AECDumpFileDir, when set, receives three raw PCM dump files per
	// session (near-end, far-end, cancelled output) for offline inspection.
	// Empty disables dumping.
	AECDumpFileDir string `yaml:"aec_dump_file_dir"`
}

// DeviceTiming resolves the effective use_device_timing value, applying the
// per-variant default when the field is unset.
func (s SourceConfig) DeviceTiming() bool {
	if s.UseDeviceTiming != nil {
		return *s.UseDeviceTiming
	}
	return s.Type == SourceOutput
}

// IsDefaultDevice reports whether the source targets the platform default
// endpoint.
func (s SourceConfig) IsDefaultDevice() bool {
	return s.DeviceID == DefaultDeviceID
}

// OutputConfig configures the bundled WAV file sink.
type OutputConfig struct {
	// Path is the WAV file to write captured audio to. Empty disables the
	// file sink (frames are counted but discarded).
	Path string `yaml:"path"`

	// SampleRate is the file's sample rate in Hz. Zero defaults to 48000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the file's channel count (1 or 2). Zero defaults to 1.
	Channels int `yaml:"channels"`
}
