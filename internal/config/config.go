// Package config provides configuration and CLI argument parsing for the KVM daemon.
package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the spicy-kvm daemon.
// Populated from a YAML config file (if present), then overridden by CLI flags.
type Config struct {
	// Audio device identifiers passed through to the external audio server.
	AudioSink   string `yaml:"audio_sink"`
	AudioSource string `yaml:"audio_source"`

	// PeriodSize is the requested device period in frames. Hint only; the
	// audio server may choose a different period.
	PeriodSize int `yaml:"period_size"`

	// BufferLatencyMs is the additional jitter budget added to target latency.
	BufferLatencyMs int `yaml:"buffer_latency_ms"`

	// Hotkey is the chord that grabs host input and bridges it to the guest.
	Hotkey string `yaml:"hotkey"`

	// Input event devices to grab on hotkey (e.g. /dev/input/event3).
	InputDevices []string `yaml:"input_devices"`

	// MonitorBus is the i2c-dev node used for monitor input-source switching.
	MonitorBus string `yaml:"monitor_bus"`

	// GuestInputSource and HostInputSource are the DDC input-source values
	// the monitor should switch between.
	GuestInputSource int `yaml:"guest_input_source"`
	HostInputSource  int `yaml:"host_input_source"`

	// ProtocolListen is the address the protocol-client stub listens on.
	ProtocolListen string `yaml:"protocol_listen"`

	// Verbose enables debug-level logging.
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AudioSink:        "default",
		AudioSource:      "default",
		PeriodSize:       480,
		BufferLatencyMs:  12,
		Hotkey:           "RightCtrl",
		InputDevices:     nil,
		MonitorBus:       "/dev/i2c-1",
		GuestInputSource: 0x0f,
		HostInputSource:  0x11,
		ProtocolListen:   "127.0.0.1:5900",
		Verbose:          false,
	}
}

// Load reads a YAML config file into cfg, ignoring a missing file.
// Present keys override cfg's current values; CLI flags applied afterwards
// take final precedence.
func Load(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// ParseFlags loads the optional config file then parses command-line flags
// on top of it, returning the final Config.
func ParseFlags() (*Config, error) {
	cfg := DefaultConfig()

	// Find -config/-c before declaring the rest of the flags, so the file's
	// values can serve as defaults that CLI flags still override.
	configPath := findEarlyFlag(os.Args[1:], "config", "c")
	if err := Load(cfg, configPath); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.String("config", configPath, "Path to YAML config file (optional)")
	fs.String("c", configPath, "Shorthand for -config")
	fs.StringVar(&cfg.AudioSink, "audio-sink", cfg.AudioSink, "Audio sink identifier passed to the audio server")
	fs.StringVar(&cfg.AudioSource, "audio-source", cfg.AudioSource, "Audio source identifier passed to the audio server")
	fs.IntVar(&cfg.PeriodSize, "period-size", cfg.PeriodSize, "Requested device period in frames (hint only)")
	fs.IntVar(&cfg.BufferLatencyMs, "buffer-latency-ms", cfg.BufferLatencyMs, "Additional jitter budget added to target latency, in milliseconds")
	fs.StringVar(&cfg.Hotkey, "hotkey", cfg.Hotkey, "Hotkey chord that toggles host/guest input focus")
	fs.StringVar(&cfg.MonitorBus, "monitor-bus", cfg.MonitorBus, "i2c-dev node used for monitor input-source switching")
	fs.IntVar(&cfg.GuestInputSource, "guest-input-source", cfg.GuestInputSource, "DDC input-source value for the guest")
	fs.IntVar(&cfg.HostInputSource, "host-input-source", cfg.HostInputSource, "DDC input-source value for the host")
	fs.StringVar(&cfg.ProtocolListen, "protocol-listen", cfg.ProtocolListen, "Address the protocol-client stub listens on")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.PeriodSize <= 0 {
		return fmt.Errorf("period-size must be positive, got %d", c.PeriodSize)
	}
	if c.BufferLatencyMs < 0 {
		return fmt.Errorf("buffer-latency-ms must not be negative, got %d", c.BufferLatencyMs)
	}
	return nil
}

// findEarlyFlag does a minimal scan for "-name value", "-name=value", or the
// shorthand equivalents, without triggering flag.Parse's "flag provided but
// not defined" errors for flags declared later.
func findEarlyFlag(args []string, name, short string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		for _, n := range []string{"-" + name, "--" + name, "-" + short, "--" + short} {
			if a == n && i+1 < len(args) {
				return args[i+1]
			}
			if v, ok := cutPrefixEq(a, n+"="); ok {
				return v
			}
		}
	}
	return ""
}

func cutPrefixEq(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}
