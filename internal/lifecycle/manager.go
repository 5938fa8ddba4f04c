// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package lifecycle owns the session worker. It starts one worker bound to
// the current configuration and, on every accepted configuration change,
// stops and joins that worker before applying the change and starting a
// fresh one, so at most one worker ever holds the device.
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/spectacle/internal/config"
	"github.com/relabs-tech/spectacle/internal/metrics"
	"github.com/relabs-tech/spectacle/internal/stop"
)

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var (
	ErrAlreadyRunning = errors.New("lifecycle: worker already running")
	ErrShutdown       = errors.New("lifecycle: manager is shut down")
)

// Runner runs one worker generation. Run blocks until sig is set or the
// worker fails, and must release the device before returning.
type Runner interface {
	Run(cfg config.Configuration, sig *stop.Signal) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(cfg config.Configuration, sig *stop.Signal) error

func (f RunnerFunc) Run(cfg config.Configuration, sig *stop.Signal) error { return f(cfg, sig) }

// Registration is a change listener the manager releases on shutdown.
type Registration interface {
	Unregister() error
}

// Status is a snapshot of the manager.
type Status struct {
	State      State                `json:"state"`
	Generation uint64               `json:"generation"`
	SessionID  string               `json:"session_id,omitempty"`
	Config     config.Configuration `json:"config"`
	Degraded   bool                 `json:"degraded"`
	LastError  string               `json:"last_error,omitempty"`
	Since      time.Time            `json:"since"`
}

type Options struct {
	Store  *config.Store
	Runner Runner
	// SettleDelay is waited after a worker is joined and before the next
	// one may open the device.
	SettleDelay time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	// OnTransition, if set, is called after every state change. It must
	// not call back into the manager.
	OnTransition func(Status)
}

type generation struct {
	id        uint64
	sessionID uuid.UUID
	sig       *stop.Signal
	cfg       config.Configuration
	done      chan struct{}
	err       error
}

// Manager serializes every control operation: Start, OnConfigChange and
// Shutdown never run concurrently with each other.
type Manager struct {
	opts Options
	log  *slog.Logger

	ctl      sync.Mutex
	started  bool
	shutdown bool
	regs     []Registration

	mu      sync.RWMutex
	state   State
	nextGen uint64
	current *generation
	lastErr error
	since   time.Time
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("lifecycle: runner is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts:  opts,
		log:   opts.Logger,
		state: StateIdle,
		since: time.Now(),
	}, nil
}

// AddRegistration hands a listener registration to the manager so Shutdown
// can release it.
func (m *Manager) AddRegistration(r Registration) {
	m.ctl.Lock()
	defer m.ctl.Unlock()
	m.regs = append(m.regs, r)
}

// Start launches a worker bound to the current configuration.
func (m *Manager) Start() error {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if m.Status().State == StateRunning {
		return ErrAlreadyRunning
	}
	m.started = true
	m.startLocked()
	return nil
}

// OnConfigChange validates and applies one mutation. An invalid mutation is
// rejected before anything is stopped. A mutation that does not change the
// stored value is accepted without a restart. Otherwise the running worker
// is stopped and joined, the store is updated, and a new worker is started
// if the manager had been started.
func (m *Manager) OnConfigChange(key string, v config.Value) error {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if err := config.Validate(key, v); err != nil {
		m.opts.Metrics.ConfigChange("rejected")
		m.log.Warn("rejected configuration change", "key", key, "value", v, "error", err)
		return err
	}
	cur, _ := m.opts.Store.Get().Value(key)
	if config.Equal(cur, v) {
		m.opts.Metrics.ConfigChange("unchanged")
		m.log.Debug("configuration unchanged", "key", key, "value", v)
		return nil
	}

	m.log.Info("configuration change, restarting vio session", "key", key, "value", v)
	m.stopLocked(true)

	if _, err := m.opts.Store.Set(key, v); err != nil {
		// Validate accepted it; a failure here leaves the old configuration
		// in place and the worker is restarted on it.
		m.log.Error("failed to apply configuration change", "key", key, "error", err)
		if m.started {
			m.startLocked()
		}
		return fmt.Errorf("lifecycle: apply %s: %w", key, err)
	}
	m.opts.Metrics.ConfigChange("applied")

	if m.started {
		m.opts.Metrics.Restart()
		m.startLocked()
	}
	return nil
}

// Shutdown releases listener registrations, stops and joins the worker and
// leaves the manager idle. Further control operations return ErrShutdown.
func (m *Manager) Shutdown() {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	if m.shutdown {
		return
	}
	m.shutdown = true

	for _, r := range m.regs {
		if err := r.Unregister(); err != nil {
			m.log.Warn("failed to release listener", "error", err)
		}
	}
	m.regs = nil

	m.stopLocked(false)
	m.log.Info("lifecycle manager shut down")
}

// Status returns a snapshot of the manager state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	s := Status{
		State:      m.state,
		Generation: m.nextGen,
		Config:     m.opts.Store.Get(),
		Since:      m.since,
	}
	if m.current != nil {
		s.SessionID = m.current.sessionID.String()
		s.Config = m.current.cfg
	}
	if m.lastErr != nil {
		s.Degraded = m.state == StateIdle
		s.LastError = m.lastErr.Error()
	}
	return s
}

// setLocked changes state with mu held and returns the status to report.
func (m *Manager) setLocked(s State) Status {
	m.state = s
	m.since = time.Now()
	var gen uint64
	if m.current != nil {
		gen = m.current.id
	}
	m.opts.Metrics.Transition(string(s), gen)
	return m.statusLocked()
}

func (m *Manager) notify(s Status) {
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(s)
	}
}

// startLocked launches a new generation. Callers hold ctl and have joined
// any previous worker.
func (m *Manager) startLocked() {
	m.mu.Lock()
	m.nextGen++
	g := &generation{
		id:        m.nextGen,
		sessionID: uuid.New(),
		sig:       stop.New(m.nextGen),
		cfg:       m.opts.Store.Get(),
		done:      make(chan struct{}),
	}
	m.current = g
	m.lastErr = nil
	st := m.setLocked(StateRunning)
	m.mu.Unlock()

	m.log.Info("starting vio session worker",
		"generation", g.id,
		"session_id", g.sessionID,
		"config", g.cfg)
	m.notify(st)

	go m.run(g)
}

func (m *Manager) run(g *generation) {
	defer close(g.done)
	g.err = m.opts.Runner.Run(g.cfg, g.sig)

	m.mu.Lock()
	if m.current != g || m.state != StateRunning {
		// A stop is in progress; the control path joins and reports.
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.lastErr = g.err
	if g.err == nil {
		m.lastErr = errors.New("worker exited without a stop request")
	}
	st := m.setLocked(StateIdle)
	m.mu.Unlock()

	m.log.Error("vio session worker failed, waiting for a configuration change",
		"generation", g.id,
		"session_id", g.sessionID,
		"error", m.lastErr)
	m.notify(st)
}

// stopLocked sets the stop signal of the current worker and joins it. With
// settle set, it then waits SettleDelay so the device can be reopened.
func (m *Manager) stopLocked(settle bool) {
	m.mu.Lock()
	g := m.current
	if g == nil {
		m.mu.Unlock()
		return
	}
	st := m.setLocked(StateStopping)
	m.mu.Unlock()
	m.notify(st)

	m.log.Info("stopping vio session worker", "generation", g.id)
	g.sig.Set()
	<-g.done

	m.mu.Lock()
	m.current = nil
	st = m.setLocked(StateIdle)
	m.mu.Unlock()
	if g.err != nil {
		m.log.Warn("vio session worker exited with error", "generation", g.id, "error", g.err)
	}
	m.log.Info("vio session worker joined", "generation", g.id)
	m.notify(st)

	if settle && m.opts.SettleDelay > 0 {
		time.Sleep(m.opts.SettleDelay)
	}
}
