package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete linewatch configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	DeviceID         string          `yaml:"device_id"`           // inspection line device, passed to the remote control API
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"`  // graceful shutdown timeout in seconds (default: 5)
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Cameras          CamerasConfig   `yaml:"cameras"`
	API              APIConfig       `yaml:"api"`
	DB               DBConfig        `yaml:"db"`
	Dashboard        DashboardConfig `yaml:"dashboard"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"` // command direction (start/stop signals to the line)
	Data    string `yaml:"data"`    // verdict direction (pass/fail judgements from the line)
}

// CamerasConfig contains the streaming endpoints, one per camera
type CamerasConfig struct {
	Endpoint1 string `yaml:"endpoint_1"`
	Endpoint2 string `yaml:"endpoint_2"`
}

// APIConfig contains the remote control server settings
type APIConfig struct {
	BaseURL  string `yaml:"base_url"`
	TimeoutS int    `yaml:"timeout_s"` // request timeout in seconds (default: 5)
}

// DBConfig contains the local measurement database settings
type DBConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig contains the operator dashboard HTTP server settings
type DashboardConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
