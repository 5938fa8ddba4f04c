package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/spectacle/internal/bus"
	"github.com/relabs-tech/spectacle/internal/config"
	"github.com/relabs-tech/spectacle/internal/lifecycle"
	"github.com/relabs-tech/spectacle/internal/orientation"
	"github.com/relabs-tech/spectacle/internal/vio"
)

const trackingRecord = `{"status":"TRACKING","position":{"x":1,"y":2,"z":3},"orientation":{"w":1,"x":0,"y":0,"z":0}}`

type harness struct {
	s      *Spectacle
	mem    *bus.Memory
	engine *vio.Replay
	cancel context.CancelFunc
	done   chan error
}

func testSettings() config.Settings {
	settings := config.DefaultSettings()
	settings.Web.Addr = ""
	settings.Session.PollInterval = time.Millisecond
	settings.Session.SettleDelay = time.Millisecond
	return settings
}

func startHarness(t *testing.T, opts RunOptions) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(trackingRecord+"\n"), 0o600))
	engine, err := vio.NewReplay(vio.ReplayOptions{File: path, Rate: 500, ProductName: "OAK-D-LITE", Loop: true})
	require.NoError(t, err)

	mem := bus.NewMemory(bus.Topics{Prefix: "spectacle"})
	opts.Mode = ModeTest
	opts.Settings = testSettings()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Bus = mem
	opts.Engine = engine

	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, opts)
	require.NoError(t, err)

	h := &harness{s: s, mem: mem, engine: engine, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- s.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err, ok := <-h.done:
		if ok {
			close(h.done)
		}
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("spectacle did not shut down")
		return nil
	}
}

func (h *harness) lastPose(t *testing.T) (bus.PoseMessage, bool) {
	t.Helper()
	msgs := h.mem.Messages("spectacle/pose")
	if len(msgs) == 0 {
		return bus.PoseMessage{}, false
	}
	var p bus.PoseMessage
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Payload, &p))
	return p, true
}

func (h *harness) waitGeneration(t *testing.T, gen uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := h.s.Manager().Status()
		if st.State != lifecycle.StateRunning || st.Generation != gen {
			return false
		}
		p, ok := h.lastPose(t)
		return ok && p.Generation == gen
	}, 3*time.Second, 2*time.Millisecond)
}

func TestPublishesTransformedPoses(t *testing.T) {
	h := startHarness(t, RunOptions{TagMap: "/maps/field.json"})
	h.waitGeneration(t, 1)

	p, _ := h.lastPose(t)
	assert.True(t, p.Tracking)
	assert.Equal(t, orientation.Vec3{X: 2, Y: 1, Z: 3}, p.Position)
	assert.NotZero(t, p.Timestamp)

	status := h.mem.Messages("spectacle/status")
	require.NotEmpty(t, status)
	assert.Equal(t, "true", string(status[0].Payload))

	stats := h.engine.Stats()
	assert.Equal(t, "/maps/field.json", stats.LastOptions.AprilTagPath)
	assert.Empty(t, stats.LastOptions.MapSavePath)
	require.NotNil(t, stats.IMUToCameraLeft)

	// options are advertised with their startup values
	raw, ok := h.mem.Retained("spectacle/config/AprilTagMapPath")
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"string","value":"/maps/field.json"}`, string(raw))

	state, ok := h.mem.Retained("spectacle/state")
	require.True(t, ok)
	var st lifecycle.Status
	require.NoError(t, json.Unmarshal(state, &st))
	assert.Equal(t, lifecycle.StateRunning, st.State)
}

func TestMappingModeChangeRestartsWorker(t *testing.T) {
	h := startHarness(t, RunOptions{})
	h.waitGeneration(t, 1)

	n, err := h.mem.InjectValue(config.MappingMode, config.Bool(true))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	h.waitGeneration(t, 2)
	assert.True(t, h.s.Store().Get().MappingMode)

	stats := h.engine.Stats()
	assert.Equal(t, "slam_map._", stats.LastOptions.MapSavePath)
	assert.Equal(t, 1, stats.MaxOpenDevices, "the device must never be held twice")
	assert.Equal(t, 2, stats.SessionsStarted)
}

func TestRejectedChangesDoNotRestart(t *testing.T) {
	h := startHarness(t, RunOptions{})
	h.waitGeneration(t, 1)
	before := h.s.Store().Get()

	h.mem.Inject(bus.Notification{Key: "Exposure", Type: "boolean", Raw: json.RawMessage("true")})
	h.mem.Inject(bus.Notification{Key: config.MappingMode, Type: "integer", Raw: json.RawMessage("1")})
	h.mem.Inject(bus.Notification{Key: config.DotProjectorIntensity, Type: "double", Raw: json.RawMessage("3")})
	h.mem.Inject(bus.Notification{Key: config.DotProjectorIntensity, Type: "double", Raw: json.RawMessage("null")})
	h.mem.Inject(bus.Notification{Key: config.AutoExposure, Type: "boolean", Raw: json.RawMessage("null")})

	// events are handled in order, so this returns after the injected ones
	require.NoError(t, h.s.Submit(context.Background(), config.AutoExposure, config.Bool(true)))

	assert.Equal(t, before, h.s.Store().Get())
	assert.Equal(t, uint64(1), h.s.Manager().Status().Generation)
	assert.Equal(t, 1, h.engine.Stats().SessionsStarted)
}

func TestSubmitReportsValidation(t *testing.T) {
	h := startHarness(t, RunOptions{})
	h.waitGeneration(t, 1)

	err := h.s.Submit(context.Background(), config.IRFloodlightIntensity, config.Float(-0.5))
	assert.ErrorIs(t, err, config.ErrOutOfRange)

	require.NoError(t, h.s.Submit(context.Background(), config.IRFloodlightIntensity, config.Float(0.5)))
	h.waitGeneration(t, 2)
}

func TestShutdownReleasesEverything(t *testing.T) {
	h := startHarness(t, RunOptions{Mapping: true})
	h.waitGeneration(t, 1)
	assert.Equal(t, "slam_map._", h.engine.Stats().LastOptions.MapSavePath)

	require.NoError(t, h.stop(t))

	assert.Zero(t, h.mem.Watchers())
	assert.Zero(t, h.engine.Stats().OpenDevices)
	assert.Equal(t, lifecycle.StateIdle, h.s.Manager().Status().State)
	assert.ErrorIs(t, h.s.Submit(context.Background(), config.MappingMode, config.Bool(false)), lifecycle.ErrShutdown)
	assert.ErrorIs(t, h.mem.PublishStatus(true), bus.ErrNotConnected)
}
