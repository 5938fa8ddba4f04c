// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine kinds accepted in the settings file.
const (
	EngineBridge = "bridge"
	EngineReplay = "replay"
)

// Settings holds the process-level settings read once at startup. They are
// not runtime-mutable; runtime options live in a Store.
type Settings struct {
	Broker  BrokerSettings  `yaml:"broker"`
	Topics  TopicSettings   `yaml:"topics"`
	Engine  EngineSettings  `yaml:"engine"`
	Session SessionSettings `yaml:"session"`
	Mount   MountSettings   `yaml:"mount"`
	Web     WebSettings     `yaml:"web"`
	Display DisplaySettings `yaml:"display"`

	// Defaults seeds the runtime option store. Keys missing from the file
	// keep their built-in defaults.
	Defaults Configuration `yaml:"defaults"`
}

type BrokerSettings struct {
	SimURL         string        `yaml:"sim_url"`
	RobotURL       string        `yaml:"robot_url"`
	ClientID       string        `yaml:"client_id"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type TopicSettings struct {
	Prefix string `yaml:"prefix"`
}

type EngineSettings struct {
	Kind string `yaml:"kind"`

	// bridge
	BridgeCommand  []string      `yaml:"bridge_command"`
	SerialPort     string        `yaml:"serial_port"`
	SerialBaud     uint          `yaml:"serial_baud"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// replay
	ReplayFile  string  `yaml:"replay_file"`
	ReplayRate  float64 `yaml:"replay_rate"` // samples per second
	ProductName string  `yaml:"product_name"`
}

type SessionSettings struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
}

// MountSettings describes how the camera is mounted on the robot. Axis
// entries name a source axis with an optional sign, e.g. "y" or "-x".
type MountSettings struct {
	Position    []string   `yaml:"position"`
	Quaternion  []string   `yaml:"quaternion"`
	OffsetRPY   [3]float64 `yaml:"offset_rpy"` // radians
	NegateEuler *bool      `yaml:"negate_euler"`
}

type WebSettings struct {
	Addr string `yaml:"addr"` // empty disables the web server
}

type DisplaySettings struct {
	I2CBus         string        `yaml:"i2c_bus"`
	I2CAddr        uint16        `yaml:"i2c_addr"` // 0 disables the display
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() Settings {
	negate := true
	return Settings{
		Broker: BrokerSettings{
			SimURL:         "tcp://localhost:1883",
			RobotURL:       "tcp://10.0.0.2:1883",
			ClientID:       "spectacle",
			QoS:            0,
			ConnectTimeout: 10 * time.Second,
		},
		Topics: TopicSettings{Prefix: "spectacle"},
		Engine: EngineSettings{
			Kind:           EngineReplay,
			SerialBaud:     921600,
			RequestTimeout: 5 * time.Second,
			ReplayRate:     100,
			ProductName:    "OAK-D-LITE",
		},
		Session: SessionSettings{
			PollInterval: 5 * time.Millisecond,
			SettleDelay:  time.Second,
		},
		Mount: MountSettings{
			Position:    []string{"y", "x", "z"},
			Quaternion:  []string{"z", "x", "y"},
			OffsetRPY:   [3]float64{0, 1.5707963267948966, 3.141592653589793},
			NegateEuler: &negate,
		},
		Web: WebSettings{Addr: ":8080"},
		Display: DisplaySettings{
			I2CBus:         "",
			I2CAddr:        0,
			UpdateInterval: 200 * time.Millisecond,
		},
		Defaults: Defaults(),
	}
}

// LoadSettings reads a YAML settings file on top of DefaultSettings. An empty
// path returns the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, s.validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// validate checks that the settings are usable.
func (s Settings) validate() error {
	var errs []error
	if s.Broker.QoS > 2 {
		errs = append(errs, fmt.Errorf("broker.qos must be 0-2, got %d", s.Broker.QoS))
	}
	if strings.TrimSpace(s.Topics.Prefix) == "" {
		errs = append(errs, errors.New("topics.prefix is required"))
	}
	switch s.Engine.Kind {
	case EngineReplay:
		if s.Engine.ReplayRate <= 0 {
			errs = append(errs, fmt.Errorf("engine.replay_rate must be positive, got %v", s.Engine.ReplayRate))
		}
	case EngineBridge:
		if len(s.Engine.BridgeCommand) == 0 && s.Engine.SerialPort == "" {
			errs = append(errs, errors.New("engine.bridge_command or engine.serial_port is required for the bridge engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.kind must be %q or %q, got %q", EngineBridge, EngineReplay, s.Engine.Kind))
	}
	if s.Session.PollInterval <= 0 {
		errs = append(errs, errors.New("session.poll_interval must be positive"))
	}
	if s.Session.SettleDelay < 0 {
		errs = append(errs, errors.New("session.settle_delay must not be negative"))
	}
	if len(s.Mount.Position) != 3 {
		errs = append(errs, fmt.Errorf("mount.position needs 3 axes, got %d", len(s.Mount.Position)))
	}
	if len(s.Mount.Quaternion) != 3 {
		errs = append(errs, fmt.Errorf("mount.quaternion needs 3 axes, got %d", len(s.Mount.Quaternion)))
	}
	if s.Display.I2CAddr != 0 && s.Display.UpdateInterval <= 0 {
		errs = append(errs, errors.New("display.update_interval must be positive"))
	}
	for _, e := range s.Defaults.Entries() {
		if err := Validate(e.Key, e.Value); err != nil {
			errs = append(errs, fmt.Errorf("defaults: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
	}
	return nil
}
