// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package session runs one VIO session: it opens the device with a bound
// configuration, transforms every pose sample and publishes it until told to
// stop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relabs-tech/spectacle/internal/config"
	"github.com/relabs-tech/spectacle/internal/metrics"
	"github.com/relabs-tech/spectacle/internal/orientation"
	"github.com/relabs-tech/spectacle/internal/stop"
	"github.com/relabs-tech/spectacle/internal/vio"
)

// MapSavePath is where the engine writes its map in mapping mode.
const MapSavePath = "slam_map._"

// Stage names the step of session setup that failed.
type Stage string

const (
	StagePipeline Stage = "pipeline"
	StageDevice   Stage = "device"
	StageSession  Stage = "session"
)

var (
	ErrPipelineConfig = errors.New("pipeline configuration rejected")
	ErrDeviceOpen     = errors.New("device could not be opened")
	ErrSessionLost    = errors.New("vio session lost")
)

// OpenError reports a failure while bringing a session up.
type OpenError struct {
	Stage Stage
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Stage, e.Err)
}

func (e *OpenError) Unwrap() []error {
	switch e.Stage {
	case StagePipeline:
		return []error{ErrPipelineConfig, e.Err}
	case StageDevice:
		return []error{ErrDeviceOpen, e.Err}
	default:
		return []error{e.Err}
	}
}

// Sink receives every published pose. Publish must not block for long; it
// runs on the worker goroutine.
type Sink interface {
	Publish(p orientation.Pose) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(orientation.Pose) error

func (f SinkFunc) Publish(p orientation.Pose) error { return f(p) }

// MultiSink publishes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(p orientation.Pose) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options configure a Worker.
type Options struct {
	Engine       vio.Engine
	Capabilities vio.CapabilityTable
	Mount        orientation.Mount
	// PollInterval is the longest the worker sleeps between output checks
	// when the engine has nothing pending.
	PollInterval time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Worker runs sessions. A Worker holds no per-session state, so one value
// can serve every generation; each Run owns its own device.
type Worker struct {
	opts Options
}

func NewWorker(opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.Capabilities == nil {
		opts.Capabilities = vio.DefaultCapabilities()
	}
	if opts.Mount == (orientation.Mount{}) {
		opts.Mount = orientation.DefaultMount()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{opts: opts}
}

// PipelineOptionsFor derives the engine options bound to cfg.
func PipelineOptionsFor(cfg config.Configuration) vio.PipelineOptions {
	opts := vio.PipelineOptions{
		UseVIOAutoExposure: cfg.AutoExposure,
		AprilTagPath:       cfg.AprilTagMapPath,
	}
	if cfg.MappingMode {
		opts.MapSavePath = MapSavePath
	}
	return opts
}

// Run opens a session bound to cfg and publishes poses to sink until sig is
// set. It returns nil after a requested stop, an *OpenError when setup
// fails, and ErrSessionLost when the engine ends the session on its own. The
// device and session are released before Run returns on every path.
func (w *Worker) Run(cfg config.Configuration, sig *stop.Signal, sink Sink) (err error) {
	log := w.opts.Logger.With("generation", sig.Generation())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sig.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Debug("opening vio pipeline", "config", cfg)
	pipeline, err := w.opts.Engine.OpenPipeline(ctx, PipelineOptionsFor(cfg))
	if err != nil {
		w.opts.Metrics.SessionStarted(string(StagePipeline))
		return &OpenError{Stage: StagePipeline, Err: err}
	}
	defer closeLogged(log, "pipeline", pipeline.Close)

	device, err := pipeline.OpenDevice(ctx)
	if err != nil {
		w.opts.Metrics.SessionStarted(string(StageDevice))
		return &OpenError{Stage: StageDevice, Err: err}
	}
	defer closeLogged(log, "device", device.Close)

	calib, err := device.Calibration()
	if err != nil {
		w.opts.Metrics.SessionStarted(string(StageDevice))
		return &OpenError{Stage: StageDevice, Err: fmt.Errorf("read calibration: %w", err)}
	}
	log.Info("vio device opened", "product", calib.ProductName)

	if err := w.applyCapabilities(log, pipeline, device, calib, cfg); err != nil {
		w.opts.Metrics.SessionStarted(string(StageDevice))
		return &OpenError{Stage: StageDevice, Err: err}
	}

	session, err := pipeline.StartSession(ctx, device)
	if err != nil {
		w.opts.Metrics.SessionStarted(string(StageSession))
		return &OpenError{Stage: StageSession, Err: err}
	}
	defer closeLogged(log, "session", session.Close)

	w.opts.Metrics.SessionStarted("ok")
	log.Info("vio session initialized")
	started := time.Now()
	defer func() {
		w.opts.Metrics.SessionEnded(time.Since(started))
		log.Info("vio session stopped", "duration", time.Since(started).Round(time.Millisecond))
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: panic in processing loop: %v", r)
		}
	}()
	return w.loop(log, session, sig, sink)
}

func (w *Worker) applyCapabilities(log *slog.Logger, p vio.Pipeline, d vio.Device, calib vio.Calibration, cfg config.Configuration) error {
	caps := w.opts.Capabilities.Resolve(calib.ProductName)

	if caps.IMUToCameraLeft != nil {
		if err := p.SetIMUToCameraLeft(*caps.IMUToCameraLeft); err != nil {
			return fmt.Errorf("set imu to camera calibration: %w", err)
		}
		log.Info("using IMU to camera calibration override", "product", calib.ProductName)
	}

	if caps.Illumination {
		ill, ok := d.(vio.Illuminator)
		if !ok {
			log.Debug("device has no illumination control", "product", calib.ProductName)
			return nil
		}
		if err := ill.SetDotProjectorIntensity(cfg.DotProjectorIntensity); err != nil {
			return fmt.Errorf("set dot projector intensity: %w", err)
		}
		if err := ill.SetFloodlightIntensity(cfg.IRFloodlightIntensity); err != nil {
			return fmt.Errorf("set floodlight intensity: %w", err)
		}
		log.Info("IR illumination set",
			"dot_projector", cfg.DotProjectorIntensity,
			"floodlight", cfg.IRFloodlightIntensity)
	}
	return nil
}

func (w *Worker) loop(log *slog.Logger, s vio.Session, sig *stop.Signal, sink Sink) error {
	timer := time.NewTimer(w.opts.PollInterval)
	defer timer.Stop()

	for !sig.IsSet() {
		if !s.HasOutput() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.opts.PollInterval)
			select {
			case <-sig.Done():
			case <-s.Ready():
			case <-timer.C:
			}
			continue
		}

		rec, err := s.Output()
		switch {
		case errors.Is(err, vio.ErrNoOutput):
			continue
		case errors.Is(err, vio.ErrClosed):
			if sig.IsSet() {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrSessionLost, err)
		case err != nil:
			return fmt.Errorf("session: read output: %w", err)
		}

		sample, err := orientation.DecodeSample(rec)
		if err != nil {
			w.opts.Metrics.DecodeError()
			log.Warn("skipping vio output", "error", err)
			continue
		}

		pose := w.opts.Mount.Transform(sample)
		if err := sink.Publish(pose); err != nil {
			w.opts.Metrics.PublishError()
			log.Warn("failed to publish pose", "error", err)
			continue
		}
		w.opts.Metrics.SamplePublished(pose.Tracking)
		log.Debug("pose published",
			"status", sample.Status,
			"x", pose.Position.X, "y", pose.Position.Y, "z", pose.Position.Z,
			"roll", pose.Roll, "pitch", pose.Pitch, "yaw", pose.Yaw)
	}
	return nil
}

func closeLogged(log *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Warn("failed to close vio "+what, "error", err)
	}
}
