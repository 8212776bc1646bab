package polysync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jabolina/go-polysync/pkg/polysync/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	config := Default()
	require.NoError(t, ValidateConfig(config))
	assert.NotNil(t, config.Logger)
	assert.Equal(t, UDPMulticast, config.Transport.Kind)
	assert.Equal(t, network.DefaultGroup, config.Transport.Group)
	assert.True(t, config.YieldToHigherLeader)
}

func TestValidateConfig_Rejects(t *testing.T) {
	for name, edit := range map[string]func(c *Config){
		"slow tempo":       func(c *Config) { c.BPM = 10 },
		"fast tempo":       func(c *Config) { c.BPM = 501 },
		"multiplier":       func(c *Config) { c.Multiplier = 5 },
		"timeout":          func(c *Config) { c.HeartbeatTimeout = 0 },
		"settle window":    func(c *Config) { c.SettleWindow = c.HeartbeatTimeout },
		"poll interval":    func(c *Config) { c.PollInterval = -time.Millisecond },
		"transport kind":   func(c *Config) { c.Transport.Kind = "carrier-pigeon" },
		"port":             func(c *Config) { c.Transport.Port = 70000 },
		"device id":        func(c *Config) { c.DeviceID = "not-a-mac" },
		"midi channel":     func(c *Config) { c.Sinks.MIDIChannel = 16 },
		"unknown loglevel": func(c *Config) { c.LogLevel = "LOUD" },
	} {
		t.Run(name, func(t *testing.T) {
			config := Default()
			edit(config)
			assert.ErrorIs(t, ValidateConfig(config), ErrInvalidConfig)
		})
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	content := `
priority: 7
device_id: "02:00:00:00:00:09"
bpm: 96
heartbeat_timeout: 5s
transport:
  kind: memory
sinks:
  monitor_address: "127.0.0.1:0"
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), config.Priority)
	assert.Equal(t, "02:00:00:00:00:09", config.DeviceID)
	assert.Equal(t, float64(96), config.BPM)
	assert.Equal(t, 5*time.Second, config.HeartbeatTimeout)
	assert.Equal(t, InMemory, config.Transport.Kind)
	assert.Equal(t, "127.0.0.1:0", config.Sinks.MonitorAddress)

	// Untouched values keep the defaults.
	assert.Equal(t, Default().SettleWindow, config.SettleWindow)
	assert.Equal(t, network.DefaultPort, config.Transport.Port)
}

func TestLoadConfig_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.toml")
	content := `
priority = 3
bpm = 150.0
settle_window = "250ms"
yield_to_higher_leader = false

[transport]
group = "239.1.2.3"
port = 5000

[sinks]
serial_baud = 9600
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), config.Priority)
	assert.Equal(t, float64(150), config.BPM)
	assert.Equal(t, 250*time.Millisecond, config.SettleWindow)
	assert.False(t, config.YieldToHigherLeader)
	assert.Equal(t, "239.1.2.3", config.Transport.Group)
	assert.Equal(t, 5000, config.Transport.Port)
	assert.Equal(t, 9600, config.Sinks.SerialBaud)
}

func TestLoadConfig_Failures(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	json := filepath.Join(dir, "device.json")
	require.NoError(t, os.WriteFile(json, []byte("{}"), 0o600))
	_, err = LoadConfig(json)
	assert.ErrorIs(t, err, ErrUnknownFormat)

	invalid := filepath.Join(dir, "device.yml")
	require.NoError(t, os.WriteFile(invalid, []byte("bpm: 1000\n"), 0o600))
	_, err = LoadConfig(invalid)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
