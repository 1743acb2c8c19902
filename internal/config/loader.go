package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Source.Type == "" {
		cfg.Source.Type = SourceInput
	}
	if cfg.Source.DeviceID == "" {
		cfg.Source.DeviceID = DefaultDeviceID
	}
	if cfg.Source.AECInputDelay == 0 {
		cfg.Source.AECInputDelay = DefaultAECInputDelay
	}
	if cfg.Output.SampleRate == 0 {
		cfg.Output.SampleRate = 48000
	}
	if cfg.Output.Channels == 0 {
		cfg.Output.Channels = 1
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Source.Type.IsValid() {
		errs = append(errs, fmt.Errorf("source.type %q is invalid; valid values: input, output", cfg.Source.Type))
	}
	if cfg.Source.InputFormatMode < 0 || cfg.Source.InputFormatMode > 3 {
		errs = append(errs, fmt.Errorf("source.input_format_mode %d is out of range 0–3", cfg.Source.InputFormatMode))
	}
	if cfg.Source.AECInputDelay < 0 || cfg.Source.AECInputDelay > 9 {
		errs = append(errs, fmt.Errorf("source.aec_input_delay %d is out of range 0–9", cfg.Source.AECInputDelay))
	}
	if cfg.Source.AECDumpFileDir != "" {
		if info, err := os.Stat(cfg.Source.AECDumpFileDir); err != nil || !info.IsDir() {
			errs = append(errs, fmt.Errorf("source.aec_dump_file_dir %q is not an existing directory", cfg.Source.AECDumpFileDir))
		}
	}
	if cfg.Output.Path != "" {
		if cfg.Output.SampleRate <= 0 {
			errs = append(errs, fmt.Errorf("output.sample_rate %d must be positive", cfg.Output.SampleRate))
		}
		if cfg.Output.Channels != 1 && cfg.Output.Channels != 2 {
			errs = append(errs, fmt.Errorf("output.channels %d must be 1 or 2", cfg.Output.Channels))
		}
	}

	return errors.Join(errs...)
}
