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

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Live.URL == "" {
		errs = append(errs, errors.New("live.url must not be empty"))
	}
	if cfg.Live.Model == "" {
		errs = append(errs, errors.New("live.model must not be empty"))
	}
	if cfg.Live.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("live.max_reconnect_attempts must not be negative"))
	}
	if cfg.Live.ReconnectBase <= 0 {
		errs = append(errs, errors.New("live.reconnect_base must be positive"))
	}
	if cfg.Live.ReconnectMax < cfg.Live.ReconnectBase {
		errs = append(errs, errors.New("live.reconnect_max must be >= live.reconnect_base"))
	}
	if cfg.Capture.FrameSize <= 0 {
		errs = append(errs, errors.New("capture.frame_size must be positive"))
	}
	if cfg.Capture.GateThreshold < 0 || cfg.Capture.GateThreshold > 1 {
		errs = append(errs, fmt.Errorf("capture.gate_threshold %v out of range [0, 1]", cfg.Capture.GateThreshold))
	}
	if cfg.Capture.GateSilence <= 0 {
		errs = append(errs, errors.New("capture.gate_silence must be positive"))
	}
	if cfg.Playback.SubBuffer <= 0 {
		errs = append(errs, errors.New("playback.sub_buffer must be positive"))
	}
	if cfg.Playback.LookAhead <= 0 {
		errs = append(errs, errors.New("playback.look_ahead must be positive"))
	}
	if cfg.Playback.IdlePoll <= 0 {
		errs = append(errs, errors.New("playback.idle_poll must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
