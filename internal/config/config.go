// Package config provides the configuration schema, loader, and file watcher
// for the parlance streaming client.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
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

// Slog maps l to the corresponding slog level. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration is a time.Duration that unmarshals from YAML strings like "800ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Live     LiveConfig     `yaml:"live"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel controls log verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the listen address for the Prometheus /metrics endpoint.
	// Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// LiveConfig configures the connection to the remote generative service.
type LiveConfig struct {
	// URL is the WebSocket endpoint of the service. Default: the public
	// BidiGenerateContent endpoint.
	URL string `yaml:"url"`

	// APIKeyEnv names the environment variable holding the API credential.
	// Default: GEMINI_API_KEY. The credential itself never appears in config
	// files.
	APIKeyEnv string `yaml:"api_key_env"`

	// Model selects the generative model. Default: gemini-2.0-flash-live-001.
	Model string `yaml:"model"`

	// Voice selects the prebuilt voice for audio responses.
	Voice string `yaml:"voice"`

	// SystemPrompt is the session system instruction. Optional.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxReconnectAttempts caps automatic reconnections after an abnormal
	// close. Default: 5.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ReconnectBase is the initial reconnect delay; it doubles per attempt.
	// Default: 1s.
	ReconnectBase Duration `yaml:"reconnect_base"`

	// ReconnectMax caps the reconnect delay. Default: 30s.
	ReconnectMax Duration `yaml:"reconnect_max"`
}

// CaptureConfig configures the microphone pipeline.
type CaptureConfig struct {
	// FrameSize is the outbound frame size in samples. Default: 2048.
	FrameSize int `yaml:"frame_size"`

	// GateThreshold is the RMS energy (of normalized samples) below which a
	// block counts as silence. Default: 0.015.
	GateThreshold float64 `yaml:"gate_threshold"`

	// GateSilence is how long energy must stay below the threshold before
	// frame forwarding stops. Default: 800ms.
	GateSilence Duration `yaml:"gate_silence"`
}

// PlaybackConfig configures the playback scheduler.
type PlaybackConfig struct {
	// SubBuffer is the duration of one scheduled sub-buffer. Default: 320ms.
	SubBuffer Duration `yaml:"sub_buffer"`

	// LookAhead is the scheduling look-ahead window. Default: 200ms.
	LookAhead Duration `yaml:"look_ahead"`

	// IdlePoll is the re-check interval while the queue is empty. Default:
	// 100ms.
	IdlePoll Duration `yaml:"idle_poll"`

	// InitialDelay is the cushion applied when anchoring the scheduling
	// cursor. Default: 50ms.
	InitialDelay Duration `yaml:"initial_delay"`
}

// Defaults applied by Load for fields left unset.
const (
	DefaultURL       = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultAPIKeyEnv = "GEMINI_API_KEY"
	DefaultModel     = "gemini-2.0-flash-live-001"
)

// applyDefaults fills zero-valued fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Live.URL == "" {
		cfg.Live.URL = DefaultURL
	}
	if cfg.Live.APIKeyEnv == "" {
		cfg.Live.APIKeyEnv = DefaultAPIKeyEnv
	}
	if cfg.Live.Model == "" {
		cfg.Live.Model = DefaultModel
	}
	if cfg.Live.MaxReconnectAttempts == 0 {
		cfg.Live.MaxReconnectAttempts = 5
	}
	if cfg.Live.ReconnectBase == 0 {
		cfg.Live.ReconnectBase = Duration(1 * time.Second)
	}
	if cfg.Live.ReconnectMax == 0 {
		cfg.Live.ReconnectMax = Duration(30 * time.Second)
	}
	if cfg.Capture.FrameSize == 0 {
		cfg.Capture.FrameSize = 2048
	}
	if cfg.Capture.GateThreshold == 0 {
		cfg.Capture.GateThreshold = 0.015
	}
	if cfg.Capture.GateSilence == 0 {
		cfg.Capture.GateSilence = Duration(800 * time.Millisecond)
	}
	if cfg.Playback.SubBuffer == 0 {
		cfg.Playback.SubBuffer = Duration(320 * time.Millisecond)
	}
	if cfg.Playback.LookAhead == 0 {
		cfg.Playback.LookAhead = Duration(200 * time.Millisecond)
	}
	if cfg.Playback.IdlePoll == 0 {
		cfg.Playback.IdlePoll = Duration(100 * time.Millisecond)
	}
	if cfg.Playback.InitialDelay == 0 {
		cfg.Playback.InitialDelay = Duration(50 * time.Millisecond)
	}
}
