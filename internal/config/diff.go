package config

// Diff describes what changed between two configs and how the running
// source must react.
type Diff struct {
	// RestartRequired is true when the change can only be applied through a
	// full session teardown and rebuild: source type, device id, echo
	// cancellation enable, fallback level, input delay, or dump directory.
	RestartRequired bool

	// TimingChanged is true when the use_device_timing flag changed. The
	// capture loop applies it in place without a restart.
	TimingChanged bool

	// LogLevelChanged is true when the log level changed; NewLogLevel
	// carries the new value.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// OutputChanged is true when the file sink settings changed. The sink
	// is rebuilt outside the capture session.
	OutputChanged bool
}

// Compare returns what changed between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Source.Type != new.Source.Type ||
		old.Source.DeviceID != new.Source.DeviceID ||
		old.Source.DisableEchoCancellation != new.Source.DisableEchoCancellation ||
		old.Source.InputFormatMode != new.Source.InputFormatMode ||
		old.Source.AECInputDelay != new.Source.AECInputDelay ||
		old.Source.AECDumpFileDir != new.Source.AECDumpFileDir {
		d.RestartRequired = true
	}

	if old.Source.DeviceTiming() != new.Source.DeviceTiming() {
		d.TimingChanged = true
	}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Output != new.Output {
		d.OutputChanged = true
	}

	return d
}
