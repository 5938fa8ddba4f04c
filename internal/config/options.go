// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"fmt"
	"math"
)

// Recognized runtime options, in their canonical order.
const (
	AutoExposure          = "AutoExposure"
	DotProjectorIntensity = "DotProjectorIntensity"
	IRFloodlightIntensity = "IRFloodlightIntensity"
	AprilTagMapPath       = "AprilTagMapPath"
	MappingMode           = "MappingMode"
)

// Configuration is one immutable snapshot of the runtime options. A session
// worker is bound to exactly one Configuration for its whole lifetime.
type Configuration struct {
	AutoExposure          bool    `json:"AutoExposure" yaml:"auto_exposure"`
	DotProjectorIntensity float64 `json:"DotProjectorIntensity" yaml:"dot_projector_intensity"`
	IRFloodlightIntensity float64 `json:"IRFloodlightIntensity" yaml:"ir_floodlight_intensity"`
	AprilTagMapPath       string  `json:"AprilTagMapPath" yaml:"apriltag_map_path"`
	MappingMode           bool    `json:"MappingMode" yaml:"mapping_mode"`
}

// Defaults returns the option values used when nothing else is configured.
func Defaults() Configuration {
	return Configuration{
		AutoExposure:          true,
		DotProjectorIntensity: 0.9,
		IRFloodlightIntensity: 0.0,
		AprilTagMapPath:       "",
		MappingMode:           false,
	}
}

// option describes one entry of the recognized-option table.
type option struct {
	name  string
	kind  Kind
	check func(Value) error
	get   func(Configuration) Value
	set   func(*Configuration, Value)
}

var options = []option{
	{
		name: AutoExposure,
		kind: KindBoolean,
		get:  func(c Configuration) Value { return Bool(c.AutoExposure) },
		set:  func(c *Configuration, v Value) { c.AutoExposure = bool(v.(Bool)) },
	},
	{
		name:  DotProjectorIntensity,
		kind:  KindDouble,
		check: unitInterval,
		get:   func(c Configuration) Value { return Float(c.DotProjectorIntensity) },
		set:   func(c *Configuration, v Value) { c.DotProjectorIntensity = float64(v.(Float)) },
	},
	{
		name:  IRFloodlightIntensity,
		kind:  KindDouble,
		check: unitInterval,
		get:   func(c Configuration) Value { return Float(c.IRFloodlightIntensity) },
		set:   func(c *Configuration, v Value) { c.IRFloodlightIntensity = float64(v.(Float)) },
	},
	{
		name: AprilTagMapPath,
		kind: KindString,
		get:  func(c Configuration) Value { return String(c.AprilTagMapPath) },
		set:  func(c *Configuration, v Value) { c.AprilTagMapPath = string(v.(String)) },
	},
	{
		name: MappingMode,
		kind: KindBoolean,
		get:  func(c Configuration) Value { return Bool(c.MappingMode) },
		set:  func(c *Configuration, v Value) { c.MappingMode = bool(v.(Bool)) },
	},
}

func unitInterval(v Value) error {
	f := float64(v.(Float))
	if math.IsNaN(f) || f < 0 || f > 1 {
		return fmt.Errorf("%w: %v not in [0,1]", ErrOutOfRange, f)
	}
	return nil
}

func lookup(key string) (option, bool) {
	for _, o := range options {
		if o.name == key {
			return o, true
		}
	}
	return option{}, false
}

// Options returns the recognized option names in canonical order.
func Options() []string {
	names := make([]string, len(options))
	for i, o := range options {
		names[i] = o.name
	}
	return names
}

// KindOf returns the declared kind of a recognized option.
func KindOf(key string) (Kind, bool) {
	o, ok := lookup(key)
	return o.kind, ok
}

// Validate checks a prospective mutation against the option table without
// touching any store.
func Validate(key string, v Value) error {
	o, ok := lookup(key)
	if !ok {
		return &ValidationError{Key: key, Value: v, Err: ErrUnrecognizedOption}
	}
	if v == nil || v.Kind() != o.kind {
		got := "nil"
		if v != nil {
			got = v.Kind().String()
		}
		return &ValidationError{
			Key:   key,
			Value: v,
			Err:   fmt.Errorf("%w: expects %s, got %s", ErrTypeMismatch, o.kind, got),
		}
	}
	if o.check != nil {
		if err := o.check(v); err != nil {
			return &ValidationError{Key: key, Value: v, Err: err}
		}
	}
	return nil
}

// Value returns the current value of a recognized option.
func (c Configuration) Value(key string) (Value, bool) {
	o, ok := lookup(key)
	if !ok {
		return nil, false
	}
	return o.get(c), true
}

// Entry is one key/value pair of a Configuration.
type Entry struct {
	Key   string
	Value Value
}

// Entries lists every option of c in canonical order.
func (c Configuration) Entries() []Entry {
	entries := make([]Entry, len(options))
	for i, o := range options {
		entries[i] = Entry{Key: o.name, Value: o.get(c)}
	}
	return entries
}

// With returns a copy of c with key set to v, or a *ValidationError.
func (c Configuration) With(key string, v Value) (Configuration, error) {
	if err := Validate(key, v); err != nil {
		return c, err
	}
	o, _ := lookup(key)
	o.set(&c, v)
	return c, nil
}
