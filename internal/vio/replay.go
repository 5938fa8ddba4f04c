// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package vio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"
)

// ReplayOptions configure a Replay engine.
type ReplayOptions struct {
	// File is a JSON-lines recording of VIO output records. Empty selects
	// the synthetic source.
	File string
	// Rate is the playback rate in records per second.
	Rate float64
	// ProductName is reported by the device calibration.
	ProductName string
	// Loop restarts the recording at the end instead of going quiet.
	Loop bool
}

// ReplayStats counts what the engine has been asked to do.
type ReplayStats struct {
	PipelinesOpened int
	DevicesOpened   int
	OpenDevices     int
	MaxOpenDevices  int
	SessionsStarted int
	LastOptions     PipelineOptions
	IMUToCameraLeft *Matrix4
	DotProjector    *float64
	Floodlight      *float64
}

// Replay is an Engine that plays back recorded output, or synthesizes a
// smoothly moving pose when no recording is configured. It enforces that
// the device is opened by one holder at a time.
type Replay struct {
	opts    ReplayOptions
	records []Record

	mu    sync.Mutex
	stats ReplayStats
}

// NewReplay loads the recording, if any.
func NewReplay(opts ReplayOptions) (*Replay, error) {
	if opts.Rate <= 0 {
		opts.Rate = 100
	}
	r := &Replay{opts: opts}
	if opts.File != "" {
		records, err := readRecording(opts.File)
		if err != nil {
			return nil, err
		}
		r.records = records
	}
	return r, nil
}

func readRecording(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vio: open recording: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		records = append(records, Record(bytes.Clone(line)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("vio: read recording %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("vio: recording %s is empty", path)
	}
	return records, nil
}

// Stats returns a copy of the engine counters.
func (r *Replay) Stats() ReplayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Replay) OpenPipeline(_ context.Context, opts PipelineOptions) (Pipeline, error) {
	r.mu.Lock()
	r.stats.PipelinesOpened++
	r.stats.LastOptions = opts
	r.mu.Unlock()
	return &replayPipeline{engine: r}, nil
}

type replayPipeline struct {
	engine *Replay
}

func (p *replayPipeline) OpenDevice(_ context.Context) (Device, error) {
	r := p.engine
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats.OpenDevices > 0 {
		return nil, ErrDeviceBusy
	}
	r.stats.DevicesOpened++
	r.stats.OpenDevices++
	r.stats.MaxOpenDevices = max(r.stats.MaxOpenDevices, r.stats.OpenDevices)

	d := &replayDevice{engine: r}
	if hasIllumination(r.opts.ProductName) {
		return &illuminatedReplayDevice{d}, nil
	}
	return d, nil
}

func (p *replayPipeline) SetIMUToCameraLeft(m Matrix4) error {
	p.engine.mu.Lock()
	p.engine.stats.IMUToCameraLeft = &m
	p.engine.mu.Unlock()
	return nil
}

func (p *replayPipeline) StartSession(ctx context.Context, d Device) (Session, error) {
	if d == nil {
		return nil, fmt.Errorf("vio: start session: %w", ErrClosed)
	}
	r := p.engine
	r.mu.Lock()
	r.stats.SessionsStarted++
	r.mu.Unlock()

	s := &replaySession{
		out:  newOutbox(),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(r)
	return s, nil
}

func (p *replayPipeline) Close() error { return nil }

func hasIllumination(product string) bool {
	return DefaultCapabilities().Resolve(product).Illumination
}

type replayDevice struct {
	engine *Replay
	once   sync.Once
}

func (d *replayDevice) Calibration() (Calibration, error) {
	return Calibration{ProductName: d.engine.opts.ProductName}, nil
}

func (d *replayDevice) Close() error {
	d.once.Do(func() {
		d.engine.mu.Lock()
		d.engine.stats.OpenDevices--
		d.engine.mu.Unlock()
	})
	return nil
}

type illuminatedReplayDevice struct {
	*replayDevice
}

func (d *illuminatedReplayDevice) SetDotProjectorIntensity(v float64) error {
	d.engine.mu.Lock()
	d.engine.stats.DotProjector = &v
	d.engine.mu.Unlock()
	return nil
}

func (d *illuminatedReplayDevice) SetFloodlightIntensity(v float64) error {
	d.engine.mu.Lock()
	d.engine.stats.Floodlight = &v
	d.engine.mu.Unlock()
	return nil
}

type replaySession struct {
	out  *outbox
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *replaySession) run(r *Replay) {
	defer s.wg.Done()

	period := time.Duration(float64(time.Second) / r.opts.Rate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	start := time.Now()
	next := 0
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if r.records == nil {
				s.out.push(synthetic(now.Sub(start).Seconds()))
				continue
			}
			if next == len(r.records) {
				if !r.opts.Loop {
					continue
				}
				next = 0
			}
			s.out.push(r.records[next])
			next++
		}
	}
}

func (s *replaySession) HasOutput() bool         { return s.out.has() }
func (s *replaySession) Output() (Record, error) { return s.out.pop() }
func (s *replaySession) Ready() <-chan struct{}  { return s.out.ready }

func (s *replaySession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.out.close(ErrClosed)
	})
	return nil
}

type syntheticRecord struct {
	Status      string             `json:"status"`
	Position    map[string]float64 `json:"position"`
	Orientation map[string]float64 `json:"orientation"`
}

// synthetic produces a slow circle in the engine's horizontal plane with the
// heading following the direction of travel.
func synthetic(elapsed float64) Record {
	heading := math.Mod(elapsed*0.5, 2*math.Pi)
	rec := syntheticRecord{
		Status: "TRACKING",
		Position: map[string]float64{
			"x": math.Cos(heading),
			"y": 0.05 * math.Sin(elapsed*0.7),
			"z": math.Sin(heading),
		},
		// rotation about the engine's vertical (y) axis
		Orientation: map[string]float64{
			"w": math.Cos(heading / 2),
			"x": 0,
			"y": math.Sin(heading / 2),
			"z": 0,
		},
	}
	b, _ := json.Marshal(rec)
	return b
}
