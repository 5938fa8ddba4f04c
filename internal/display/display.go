// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package display shows tracking state and the latest pose on an SSD1306
// OLED.
package display

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/spectacle/internal/orientation"
)

const (
	width  = 128
	height = 64
)

// Drawer is the part of an SSD1306 the screen needs.
type Drawer interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// Screen keeps the latest pose and manager state for the display. It is a
// pose sink, so the worker feeds it directly.
type Screen struct {
	mu         sync.RWMutex
	pose       orientation.Pose
	havePose   bool
	state      string
	generation uint64
}

func NewScreen() *Screen {
	return &Screen{state: "idle"}
}

// Publish records p as the latest pose.
func (s *Screen) Publish(p orientation.Pose) error {
	s.mu.Lock()
	s.pose = p
	s.havePose = true
	s.mu.Unlock()
	return nil
}

// SetState records the manager state shown in the header line. A new
// generation clears the pose until the worker publishes again.
func (s *Screen) SetState(state string, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		s.havePose = false
	}
	s.state = state
	s.generation = generation
}

// Render draws the current screen contents.
func (s *Screen) Render() *image1bit.VerticalLSB {
	s.mu.RLock()
	pose, havePose := s.pose, s.havePose
	state, gen := s.state, s.generation
	s.mu.RUnlock()

	img := image1bit.NewVerticalLSB(image.Rect(0, 0, width, height))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	line := func(n int, text string) {
		drawer.Dot = fixed.P(0, 13*n)
		drawer.DrawString(text)
	}

	switch {
	case state != "running":
		line(1, fmt.Sprintf("VIO %s g%d", state, gen))
	case !havePose:
		line(1, fmt.Sprintf("VIO g%d", gen))
	case pose.Tracking:
		line(1, fmt.Sprintf("VIO g%d TRACK", gen))
	default:
		line(1, fmt.Sprintf("VIO g%d LOST", gen))
	}

	if !havePose {
		line(3, "Waiting...")
		return img
	}
	line(2, fmt.Sprintf("X%6.2f Y%6.2f", pose.Position.X, pose.Position.Y))
	line(3, fmt.Sprintf("Z%6.2f", pose.Position.Z))
	line(4, fmt.Sprintf("R%4.0f P%4.0f Y%4.0f", degrees(pose.Roll), degrees(pose.Pitch), degrees(pose.Yaw)))
	return img
}

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// Run redraws dev every interval until ctx is cancelled. Draw errors are
// logged and the loop continues.
func (s *Screen) Run(ctx context.Context, dev Drawer, interval time.Duration, log *slog.Logger) error {
	if err := splash(dev); err != nil {
		log.Warn("display: failed to show splash", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("display: starting update loop", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := dev.Draw(dev.Bounds(), s.Render(), image.Point{}); err != nil {
				log.Warn("display: failed to update", "error", err)
			}
		}
	}
}

func splash(dev Drawer) error {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, width, height))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	drawer.Dot = fixed.P(20, 26)
	drawer.DrawString("Spectacle")
	drawer.Dot = fixed.P(5, 43)
	drawer.DrawString("Starting VIO")
	return dev.Draw(dev.Bounds(), img, image.Point{})
}

// Device is an opened OLED on an I2C bus.
type Device struct {
	*ssd1306.Dev
	bus i2c.BusCloser
}

// Open initializes periph and opens the SSD1306 at addr on the named I2C bus
// ("" selects the first bus).
func Open(busName string, addr uint16) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus: %w", err)
	}
	dev, err := ssd1306.NewI2C(addressedBus{BusCloser: bus, addr: addr}, &ssd1306.DefaultOpts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to initialize display at 0x%02X: %w", addr, err)
	}
	return &Device{Dev: dev, bus: bus}, nil
}

// addressedBus sends every transaction to addr; the driver always uses 0x3C.
type addressedBus struct {
	i2c.BusCloser
	addr uint16
}

func (b addressedBus) Tx(_ uint16, w, r []byte) error { return b.BusCloser.Tx(b.addr, w, r) }

// Close blanks the display and releases the bus.
func (d *Device) Close() error {
	haltErr := d.Halt()
	if err := d.bus.Close(); err != nil {
		return err
	}
	return haltErr
}
