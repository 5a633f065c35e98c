package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Conditioner ConditionerConfig `yaml:"conditioner"`
	Handshake   HandshakeConfig   `yaml:"handshake"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Log         LogConfig         `yaml:"log"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// ConditionerConfig contains signal filtering parameters.
type ConditionerConfig struct {
	BufferSize       int `yaml:"buffer_size"`       // Averaging window (samples); median window is half
	NominalFrequency int `yaml:"nominal_frequency"` // Quartz crystal nominal frequency (Hz)
}

// HandshakeConfig contains device identity negotiation parameters.
type HandshakeConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig contains the optional MQTT republisher configuration.
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Address     string        `yaml:"address"` // host:port
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Format      string        `yaml:"format"` // "json" or "cbor"
	KeepAlive   uint16        `yaml:"keep_alive"`
	Timeout     time.Duration `yaml:"timeout"` // Connect and per-publish timeout
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // Empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MockConfig contains simulated device configuration.
type MockConfig struct {
	DeviceID        string        `yaml:"device_id"`        // Reported identity; empty echoes the suggested one
	Frequency       int           `yaml:"frequency"`        // Reported pulse count (Hz)
	Temperature     int           `yaml:"temperature"`      // Reported temperature (tenths of a degree)
	NoiseLevel      float64       `yaml:"noise_level"`      // Frequency noise amplitude (Hz)
	GlitchRate      float64       `yaml:"glitch_rate"`      // Probability of a miscounted gate per sample
	SampleRate      time.Duration `yaml:"sample_rate"`      // Interval between samples
	ReplyDelay      time.Duration `yaml:"reply_delay"`      // Delay before answering getUniqueID
	RejectHandshake bool          `yaml:"reject_handshake"` // Answer getUniqueID with a failure
	IgnoreHandshake bool          `yaml:"ignore_handshake"` // Never answer getUniqueID
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0", // "COM3" on Windows
			BaudRate: 115200,
		},
		Conditioner: ConditionerConfig{
			BufferSize:       10,
			NominalFrequency: 6000000,
		},
		Handshake: HandshakeConfig{
			Timeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Address:     "localhost:1883",
			ClientID:    "goqcm",
			TopicPrefix: "openqcm",
			QoS:         0,
			Format:      "json",
			KeepAlive:   30,
			Timeout:     5 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Mock: MockConfig{
			Frequency:   5999850,
			Temperature: 251,
			NoiseLevel:  20,
			GlitchRate:  0.02,
			SampleRate:  100 * time.Millisecond,
			ReplyDelay:  50 * time.Millisecond,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks values that have no sensible default to fall back to.
func (c *Config) Validate() error {
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos %d: must be 0, 1 or 2", c.MQTT.QoS)
	}
	switch c.MQTT.Format {
	case "json", "cbor":
	default:
		return fmt.Errorf("invalid mqtt format %q: must be json or cbor", c.MQTT.Format)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q: must be text or json", c.Log.Format)
	}
	if c.Mock.GlitchRate < 0 || c.Mock.GlitchRate > 1 {
		return fmt.Errorf("invalid mock glitch rate %v: must be within [0, 1]", c.Mock.GlitchRate)
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	if c.Conditioner.BufferSize <= 0 {
		c.Conditioner.BufferSize = def.Conditioner.BufferSize
	}
	if c.Conditioner.NominalFrequency == 0 {
		c.Conditioner.NominalFrequency = def.Conditioner.NominalFrequency
	}

	if c.Handshake.Timeout <= 0 {
		c.Handshake.Timeout = def.Handshake.Timeout
	}

	if c.MQTT.Address == "" {
		c.MQTT.Address = def.MQTT.Address
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = def.MQTT.TopicPrefix
	}
	if c.MQTT.Format == "" {
		c.MQTT.Format = def.MQTT.Format
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = def.MQTT.KeepAlive
	}
	if c.MQTT.Timeout <= 0 {
		c.MQTT.Timeout = def.MQTT.Timeout
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = def.Log.MaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = def.Log.MaxBackups
	}

	if c.Mock.Frequency == 0 {
		c.Mock.Frequency = def.Mock.Frequency
	}
	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
}
