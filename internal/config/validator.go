package config

import (
	"fmt"
	"regexp"
	"strings"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = "1"
	}

	// Validate MQTT broker
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = "factory/control"
	}
	if cfg.MQTT.Topics.Data == "" {
		cfg.MQTT.Topics.Data = "factory/data"
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"data":    1,
		}
	}

	// Validate camera endpoints
	if cfg.Cameras.Endpoint1 == "" || cfg.Cameras.Endpoint2 == "" {
		return fmt.Errorf("cameras.endpoint_1 and cameras.endpoint_2 are required")
	}
	for _, ep := range []string{cfg.Cameras.Endpoint1, cfg.Cameras.Endpoint2} {
		if !strings.HasPrefix(ep, "ws://") && !strings.HasPrefix(ep, "wss://") {
			return fmt.Errorf("camera endpoint %q must be a ws:// or wss:// URL", ep)
		}
	}

	// Validate remote control API
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if cfg.API.TimeoutS <= 0 {
		cfg.API.TimeoutS = 5
	}

	if cfg.DB.Path == "" {
		cfg.DB.Path = "factory.db"
	}

	if cfg.Dashboard.Addr == "" {
		cfg.Dashboard.Addr = ":8080"
	}

	return nil
}
