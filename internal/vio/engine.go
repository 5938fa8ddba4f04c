// Package vio describes the visual-inertial odometry engine the session
// worker drives, and provides the engines this repository ships: a bridge to
// an external VIO process and a replay engine for tests and simulation.
package vio

import (
	"context"
	"errors"
)

var (
	// ErrNoOutput is returned by Session.Output when nothing is pending.
	ErrNoOutput = errors.New("vio: no output pending")
	// ErrClosed is returned by operations on a closed session, device or
	// engine link.
	ErrClosed = errors.New("vio: closed")
	// ErrDeviceBusy is returned when a device is opened while a previous
	// handle to it is still open.
	ErrDeviceBusy = errors.New("vio: device busy")
)

// Matrix4 is a row-major homogeneous transform.
type Matrix4 [4][4]float64

// PipelineOptions configure a VIO pipeline before the device is opened.
type PipelineOptions struct {
	UseVIOAutoExposure bool   `msgpack:"use_vio_auto_exposure" json:"use_vio_auto_exposure"`
	AprilTagPath       string `msgpack:"april_tag_path,omitempty" json:"april_tag_path,omitempty"`
	MapSavePath        string `msgpack:"map_save_path,omitempty" json:"map_save_path,omitempty"`
}

// Calibration is the part of the device calibration the worker inspects.
type Calibration struct {
	ProductName string `msgpack:"product_name" json:"product_name"`
}

// Record is one serialized VIO output: a JSON object with status, position
// and orientation.
type Record []byte

// Engine creates pipelines.
type Engine interface {
	OpenPipeline(ctx context.Context, opts PipelineOptions) (Pipeline, error)
}

// Pipeline is a configured VIO pipeline. Calibration overrides must be
// applied before StartSession. Close releases the pipeline after its device
// and session are closed.
type Pipeline interface {
	OpenDevice(ctx context.Context) (Device, error)
	SetIMUToCameraLeft(m Matrix4) error
	StartSession(ctx context.Context, d Device) (Session, error)
	Close() error
}

// Device is an open camera. A device must be closed before it can be
// opened again.
type Device interface {
	Calibration() (Calibration, error)
	Close() error
}

// Illuminator is implemented by devices with IR illumination.
type Illuminator interface {
	SetDotProjectorIntensity(v float64) error
	SetFloodlightIntensity(v float64) error
}

// Session is a running VIO session.
type Session interface {
	// HasOutput reports whether Output would return a record without
	// blocking.
	HasOutput() bool
	// Output returns the oldest pending record, or ErrNoOutput.
	Output() (Record, error)
	// Ready returns a channel that receives a value when new output may be
	// pending.
	Ready() <-chan struct{}
	Close() error
}
