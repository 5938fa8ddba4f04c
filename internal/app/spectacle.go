// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/relabs-tech/spectacle/internal/bus"
	"github.com/relabs-tech/spectacle/internal/config"
	"github.com/relabs-tech/spectacle/internal/display"
	"github.com/relabs-tech/spectacle/internal/lifecycle"
	"github.com/relabs-tech/spectacle/internal/metrics"
	"github.com/relabs-tech/spectacle/internal/orientation"
	"github.com/relabs-tech/spectacle/internal/session"
	"github.com/relabs-tech/spectacle/internal/stop"
	"github.com/relabs-tech/spectacle/internal/vio"
	"github.com/relabs-tech/spectacle/internal/web"
)

// Mode selects which bus spectacle talks to.
type Mode string

const (
	// ModeTest runs an in-process bus for debugging without a broker.
	ModeTest Mode = "test"
	// ModeSim connects to the simulation broker.
	ModeSim Mode = "sim"
	// ModeRobot connects to the robot broker.
	ModeRobot Mode = "robot"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeTest, ModeSim, ModeRobot:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want test, sim or robot)", s)
	}
}

// eventBuffer is how many option changes may queue before bus delivery
// waits for the control loop.
const eventBuffer = 64

// RunOptions configure RunSpectacle.
type RunOptions struct {
	Mode Mode
	// TagMap, if set, overrides the AprilTag map path option.
	TagMap string
	// Mapping turns mapping mode on.
	Mapping  bool
	Settings config.Settings
	Logger   *slog.Logger

	// Bus and Engine replace the ones Mode and Settings select.
	Bus    bus.Bus
	Engine vio.Engine
}

type event struct {
	key   string
	value config.Value
	n     *bus.Notification
	reply chan error
}

// Spectacle is a running pose publisher.
type Spectacle struct {
	opts     RunOptions
	log      *slog.Logger
	store    *config.Store
	bus      bus.Bus
	engine   vio.Engine
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	manager  *lifecycle.Manager
	web      *web.Server
	screen   *display.Screen

	events chan event
	done   chan struct{}
}

// New builds every component. Nothing is started until Run.
func New(ctx context.Context, opts RunOptions) (*Spectacle, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Spectacle{
		opts:   opts,
		log:    opts.Logger,
		events: make(chan event, eventBuffer),
		done:   make(chan struct{}),
	}
	settings := opts.Settings

	s.store = config.NewStore(settings.Defaults)
	if opts.TagMap != "" {
		if _, err := s.store.Set(config.AprilTagMapPath, config.String(opts.TagMap)); err != nil {
			return nil, err
		}
		s.log.Info("using AprilTag map", "path", opts.TagMap)
	} else {
		s.log.Info("no AprilTag map provided, not using AprilTags")
	}
	if opts.Mapping {
		if _, err := s.store.Set(config.MappingMode, config.Bool(true)); err != nil {
			return nil, err
		}
		s.log.Info("mapping environment", "map_save_path", session.MapSavePath)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(s.registry)

	mount, err := orientation.NewMount(settings.Mount)
	if err != nil {
		return nil, fmt.Errorf("invalid mount: %w", err)
	}

	s.engine = opts.Engine
	if s.engine == nil {
		if s.engine, err = newEngine(settings.Engine, s.log); err != nil {
			return nil, err
		}
	}

	s.bus = opts.Bus
	if s.bus == nil {
		if s.bus, err = newBus(ctx, opts.Mode, settings, s.log); err != nil {
			return nil, err
		}
	}

	s.web = web.NewServer(web.Options{
		Status:   func() lifecycle.Status { return s.manager.Status() },
		Submit:   s.Submit,
		Gatherer: s.registry,
		Logger:   s.log.With("component", "web"),
	})
	s.screen = display.NewScreen()

	worker := session.NewWorker(session.Options{
		Engine:       s.engine,
		Capabilities: vio.DefaultCapabilities(),
		Mount:        mount,
		PollInterval: settings.Session.PollInterval,
		Metrics:      s.metrics,
		Logger:       s.log.With("component", "session"),
	})
	runner := lifecycle.RunnerFunc(func(cfg config.Configuration, sig *stop.Signal) error {
		sink := session.MultiSink{
			bus.PoseSink{Publisher: s.bus, Generation: sig.Generation()},
			s.web,
			s.screen,
		}
		return worker.Run(cfg, sig, sink)
	})

	s.manager, err = lifecycle.New(lifecycle.Options{
		Store:        s.store,
		Runner:       runner,
		SettleDelay:  settings.Session.SettleDelay,
		Logger:       s.log.With("component", "lifecycle"),
		Metrics:      s.metrics,
		OnTransition: s.onTransition,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newEngine(es config.EngineSettings, log *slog.Logger) (vio.Engine, error) {
	switch es.Kind {
	case config.EngineReplay:
		if es.ReplayFile == "" {
			log.Info("using synthetic vio source", "product", es.ProductName)
		} else {
			log.Info("replaying vio recording", "file", es.ReplayFile, "rate", es.ReplayRate)
		}
		r, err := vio.NewReplay(vio.ReplayOptions{
			File:        es.ReplayFile,
			Rate:        es.ReplayRate,
			ProductName: es.ProductName,
			Loop:        true,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.EngineBridge:
		dial := vio.CommandDialer(es.BridgeCommand, log.With("component", "vio-bridge"))
		if es.SerialPort != "" {
			dial = vio.SerialDialer(es.SerialPort, es.SerialBaud)
			log.Info("using vio bridge over serial", "port", es.SerialPort, "baud", es.SerialBaud)
		} else {
			log.Info("using vio bridge process", "command", es.BridgeCommand)
		}
		return vio.NewBridge(vio.BridgeOptions{
			Dial:           dial,
			RequestTimeout: es.RequestTimeout,
			Logger:         log.With("component", "vio-bridge"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", es.Kind)
	}
}

func newBus(ctx context.Context, mode Mode, settings config.Settings, log *slog.Logger) (bus.Bus, error) {
	topics := bus.Topics{Prefix: settings.Topics.Prefix}
	var url string
	switch mode {
	case ModeTest:
		log.Info("test mode, using in-process bus")
		return bus.NewMemory(topics), nil
	case ModeSim:
		url = settings.Broker.SimURL
		log.Info("simulation mode, connecting to simulation broker", "broker", url)
	case ModeRobot:
		url = settings.Broker.RobotURL
		log.Info("robot mode, connecting to robot broker", "broker", url)
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	m, err := bus.DialMQTT(ctx,
		bus.BrokerOptions{
			URL:            url,
			ClientID:       settings.Broker.ClientID,
			ConnectTimeout: settings.Broker.ConnectTimeout,
		},
		bus.MQTTOptions{
			Topics: topics,
			QoS:    settings.Broker.QoS,
			Logger: log.With("component", "bus"),
		})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Manager returns the lifecycle manager.
func (s *Spectacle) Manager() *lifecycle.Manager { return s.manager }

// Store returns the runtime option store.
func (s *Spectacle) Store() *config.Store { return s.store }

// Registry returns the Prometheus registry holding the process metrics.
func (s *Spectacle) Registry() *prometheus.Registry { return s.registry }

// Submit hands an option change to the control loop and waits for its
// outcome.
func (s *Spectacle) Submit(ctx context.Context, key string, v config.Value) error {
	reply := make(chan error, 1)
	select {
	case s.events <- event{key: key, value: v, reply: reply}:
	case <-s.done:
		return lifecycle.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return lifecycle.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue is the bus callback. It waits for room rather than dropping a
// change, so the last value written always wins.
func (s *Spectacle) enqueue(n bus.Notification) {
	select {
	case s.events <- event{key: n.Key, n: &n}:
	case <-s.done:
	}
}

func (s *Spectacle) onTransition(st lifecycle.Status) {
	s.screen.SetState(string(st.State), st.Generation)
	if err := s.bus.PublishState(st); err != nil {
		s.log.Warn("failed to publish manager state", "state", st.State, "error", err)
	}
}

// Run starts the worker and serves until ctx is cancelled, then shuts down:
// listeners are released, the worker is stopped and joined, and the bus is
// closed.
func (s *Spectacle) Run(ctx context.Context) error {
	settings := s.opts.Settings

	if err := bus.Advertise(s.bus, s.store.Get()); err != nil {
		s.log.Warn("failed to advertise runtime options", "error", err)
	}
	reg, err := s.bus.Watch(s.enqueue)
	if err != nil {
		s.bus.Close()
		return fmt.Errorf("failed to watch runtime options: %w", err)
	}
	s.manager.AddRegistration(reg)

	if err := s.manager.Start(); err != nil {
		s.bus.Close()
		return err
	}

	svcCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if settings.Web.Addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.web.ListenAndServe(svcCtx, settings.Web.Addr); err != nil {
				s.log.Error("web server stopped", "error", err)
			}
		}()
	}
	if settings.Display.I2CAddr != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runDisplay(svcCtx, settings.Display)
		}()
	}

	s.controlLoop(ctx)

	s.log.Info("exiting")
	close(s.done)
	s.manager.Shutdown()
	cancel()
	wg.Wait()
	return s.bus.Close()
}

func (s *Spectacle) controlLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			err := s.apply(ev)
			if ev.reply != nil {
				ev.reply <- err
			}
		}
	}
}

func (s *Spectacle) apply(ev event) error {
	v := ev.value
	if ev.n != nil {
		var err error
		v, err = ev.n.Value()
		if err != nil {
			var uerr *config.UnsupportedTypeError
			if errors.As(err, &uerr) {
				s.log.Warn("unsupported config data type", "key", ev.key, "type", uerr.Tag)
			} else {
				s.log.Warn("ignoring undecodable config change", "key", ev.key, "error", err)
			}
			return err
		}
	}
	return s.manager.OnConfigChange(ev.key, v)
}

func (s *Spectacle) runDisplay(ctx context.Context, ds config.DisplaySettings) {
	dev, err := display.Open(ds.I2CBus, ds.I2CAddr)
	if err != nil {
		s.log.Error("display disabled", "error", err)
		return
	}
	defer dev.Close()
	s.log.Info("display initialized", "addr", fmt.Sprintf("0x%02X", ds.I2CAddr))
	s.screen.Run(ctx, dev, ds.UpdateInterval, s.log.With("component", "display"))
}

// RunSpectacle builds and runs spectacle until ctx is cancelled.
func RunSpectacle(ctx context.Context, opts RunOptions) error {
	s, err := New(ctx, opts)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
