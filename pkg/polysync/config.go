package polysync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-hclog"
	"github.com/jabolina/go-polysync/pkg/polysync/core"
	"github.com/jabolina/go-polysync/pkg/polysync/election"
	"github.com/jabolina/go-polysync/pkg/polysync/network"
	"github.com/jabolina/go-polysync/pkg/polysync/types"
	"gopkg.in/yaml.v3"
)

// TransportKind selects the medium the device broadcasts on.
type TransportKind string

const (
	// UDPMulticast broadcasts on an IPv4 multicast group.
	UDPMulticast TransportKind = "udp"

	// InMemory broadcasts on a network.MemoryBus given with WithTransport.
	InMemory TransportKind = "memory"
)

var (
	// ErrUnknownFormat is returned when loading a file that is not YAML or TOML.
	ErrUnknownFormat = errors.New("unknown configuration format")

	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// TransportConfig of the broadcast medium.
type TransportConfig struct {
	Kind TransportKind `yaml:"kind" toml:"kind"`

	// Multicast group and port, for UDPMulticast.
	Group string `yaml:"group" toml:"group"`
	Port  int    `yaml:"port" toml:"port"`

	// Interface to join the group on. Its hardware address is also the
	// device identifier when none is configured.
	Interface string `yaml:"interface" toml:"interface"`
}

// SinkConfig enables the outputs of the device. Empty values disable
// the sink.
type SinkConfig struct {
	// Log every event at debug level.
	LogEvents bool `yaml:"log_events" toml:"log_events"`

	// MIDI output port name, a prefix is enough.
	MIDIPort    string `yaml:"midi_port" toml:"midi_port"`
	MIDIChannel uint8  `yaml:"midi_channel" toml:"midi_channel"`
	MIDIClock   bool   `yaml:"midi_clock" toml:"midi_clock"`

	// Serial device driving the actuator board.
	SerialDevice string `yaml:"serial_device" toml:"serial_device"`
	SerialBaud   int    `yaml:"serial_baud" toml:"serial_baud"`

	// Address of the HTTP and websocket monitor.
	MonitorAddress string `yaml:"monitor_address" toml:"monitor_address"`
}

// Config of a device.
type Config struct {
	// Instance name announced over mDNS, derived from the identifier
	// when empty.
	Name string `yaml:"name" toml:"name"`

	// Election priority, higher values are preferred as leader.
	Priority uint8 `yaml:"priority" toml:"priority"`

	// Overrides the identifier resolved from the interface.
	DeviceID string `yaml:"device_id" toml:"device_id"`

	Transport TransportConfig `yaml:"transport" toml:"transport"`

	// Tempo at boot, in beats per minute.
	BPM float64 `yaml:"bpm" toml:"bpm"`

	// Index of the step multiplier at boot.
	Multiplier int `yaml:"multiplier" toml:"multiplier"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	SettleWindow     time.Duration `yaml:"settle_window" toml:"settle_window"`
	PollInterval     time.Duration `yaml:"poll_interval" toml:"poll_interval"`

	// A leader yields when it hears a leader outranking it.
	YieldToHigherLeader bool `yaml:"yield_to_higher_leader" toml:"yield_to_higher_leader"`

	// Register the device over mDNS.
	Announce bool `yaml:"announce" toml:"announce"`

	Sinks SinkConfig `yaml:"sinks" toml:"sinks"`

	// LogLevel represents a log level.
	LogLevel string `yaml:"log_level" toml:"log_level"`

	// User provided logger to be used.
	Logger hclog.Logger `yaml:"-" toml:"-"`
}

// Creates a default configuration that can ready to be used.
func Default() *Config {
	return &Config{
		Priority: 1,
		Transport: TransportConfig{
			Kind:  UDPMulticast,
			Group: network.DefaultGroup,
			Port:  network.DefaultPort,
		},
		BPM:                 types.DefaultBPM,
		Multiplier:          types.DefaultMultiplier,
		HeartbeatTimeout:    election.DefaultHeartbeatTimeout,
		SettleWindow:        election.DefaultSettleWindow,
		PollInterval:        core.DefaultPollInterval,
		YieldToHigherLeader: true,
		Sinks: SinkConfig{
			MIDIChannel: 9,
			MIDIClock:   true,
		},
		LogLevel: "INFO",
	}
}

// Verify if the given configuration is valid to be used. A logger is
// created at the configured level when none was given.
func ValidateConfig(config *Config) error {
	if config.BPM < types.MinBPM || config.BPM > types.MaxBPM {
		return fmt.Errorf("%w: bpm %v must be in %d up to %d", ErrInvalidConfig, config.BPM, types.MinBPM, types.MaxBPM)
	}

	if config.Multiplier < 0 || config.Multiplier >= len(types.Multipliers) {
		return fmt.Errorf("%w: multiplier %d must be in 0 up to %d", ErrInvalidConfig, config.Multiplier, len(types.Multipliers)-1)
	}

	if config.HeartbeatTimeout <= 0 {
		return fmt.Errorf("%w: heartbeat timeout must be positive", ErrInvalidConfig)
	}

	if config.SettleWindow <= 0 || config.SettleWindow >= config.HeartbeatTimeout {
		return fmt.Errorf("%w: settle window %s must be positive and shorter than the heartbeat timeout %s",
			ErrInvalidConfig, config.SettleWindow, config.HeartbeatTimeout)
	}

	if config.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}

	switch config.Transport.Kind {
	case UDPMulticast:
		if config.Transport.Port <= 0 || config.Transport.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, config.Transport.Port)
		}
	case InMemory:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, config.Transport.Kind)
	}

	if config.DeviceID != "" {
		if _, err := types.ParseDeviceID(config.DeviceID); err != nil {
			return fmt.Errorf("%w: device id: %v", ErrInvalidConfig, err)
		}
	}

	if config.Sinks.MIDIChannel > 15 {
		return fmt.Errorf("%w: midi channel %d must be in 0 up to 15", ErrInvalidConfig, config.Sinks.MIDIChannel)
	}

	level := hclog.LevelFromString(config.LogLevel)
	if level == hclog.NoLevel {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, config.LogLevel)
	}

	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "polysync",
			Level:  level,
			Output: os.Stdout,
		})
	}

	return nil
}

// LoadConfig reads the file over the default configuration, as YAML or
// TOML depending on its extension, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed reading configuration: %w", err)
	}

	config := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".toml":
		err = toml.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed parsing %s: %w", path, err)
	}

	if err = ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}
