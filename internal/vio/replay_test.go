package vio

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitOutput(t *testing.T, s Session) Record {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s.HasOutput() {
			r, err := s.Output()
			require.NoError(t, err)
			return r
		}
		select {
		case <-s.Ready():
		case <-deadline:
			t.Fatal("no output within 2s")
		}
	}
}

func TestReplaySynthetic(t *testing.T) {
	r, err := NewReplay(ReplayOptions{Rate: 500, ProductName: "OAK-D"})
	require.NoError(t, err)
	ctx := context.Background()

	p, err := r.OpenPipeline(ctx, PipelineOptions{UseVIOAutoExposure: true})
	require.NoError(t, err)
	d, err := p.OpenDevice(ctx)
	require.NoError(t, err)
	_, isIlluminator := d.(Illuminator)
	assert.False(t, isIlluminator)

	s, err := p.StartSession(ctx, d)
	require.NoError(t, err)

	rec := waitOutput(t, s)
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec, &m))
	assert.Equal(t, "TRACKING", m["status"])
	assert.Contains(t, m, "position")
	assert.Contains(t, m, "orientation")

	require.NoError(t, s.Close())
	require.NoError(t, d.Close())
	require.NoError(t, p.Close())

	stats := r.Stats()
	assert.Equal(t, 1, stats.DevicesOpened)
	assert.Equal(t, 0, stats.OpenDevices)
	assert.True(t, stats.LastOptions.UseVIOAutoExposure)
}

func TestReplayRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.jsonl")
	body := `# recorded on the bench
{"status":"TRACKING","position":{"x":1,"y":0,"z":0},"orientation":{"w":1,"x":0,"y":0,"z":0}}

{"status":"LOST_TRACKING","position":{"x":2,"y":0,"z":0},"orientation":{"w":1,"x":0,"y":0,"z":0}}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	r, err := NewReplay(ReplayOptions{File: path, Rate: 1000})
	require.NoError(t, err)
	ctx := context.Background()
	p, _ := r.OpenPipeline(ctx, PipelineOptions{})
	d, _ := p.OpenDevice(ctx)
	s, err := p.StartSession(ctx, d)
	require.NoError(t, err)
	defer d.Close()

	// a reader that stalls past the whole recording sees only the newest record
	time.Sleep(60 * time.Millisecond)
	latest := waitOutput(t, s)
	assert.Contains(t, string(latest), "LOST_TRACKING")
	assert.False(t, s.HasOutput())

	require.NoError(t, s.Close())
	_, err = s.Output()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReplayEmptyRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("\n# nothing\n"), 0o600))
	_, err := NewReplay(ReplayOptions{File: path})
	assert.Error(t, err)
}

func TestReplayDeviceIsExclusive(t *testing.T) {
	r, err := NewReplay(ReplayOptions{ProductName: "OAK-D-PRO"})
	require.NoError(t, err)
	ctx := context.Background()
	p, _ := r.OpenPipeline(ctx, PipelineOptions{})

	d, err := p.OpenDevice(ctx)
	require.NoError(t, err)

	_, err = p.OpenDevice(ctx)
	assert.ErrorIs(t, err, ErrDeviceBusy)

	ill, ok := d.(Illuminator)
	require.True(t, ok)
	require.NoError(t, ill.SetDotProjectorIntensity(0.5))
	require.NoError(t, ill.SetFloodlightIntensity(0.25))

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	d2, err := p.OpenDevice(ctx)
	require.NoError(t, err)
	require.NoError(t, d2.Close())

	stats := r.Stats()
	assert.Equal(t, 2, stats.DevicesOpened)
	assert.Equal(t, 1, stats.MaxOpenDevices)
	require.NotNil(t, stats.DotProjector)
	assert.Equal(t, 0.5, *stats.DotProjector)
	require.NotNil(t, stats.Floodlight)
	assert.Equal(t, 0.25, *stats.Floodlight)
}

func TestOutboxKeepsLatest(t *testing.T) {
	o := newOutbox()
	o.push(Record("a"))
	o.push(Record("b"))
	o.push(Record("c"))

	assert.Equal(t, uint64(2), o.drops.Load())
	r, err := o.pop()
	require.NoError(t, err)
	assert.Equal(t, Record("c"), r)
	assert.False(t, o.has())

	o.push(Record("d"))
	o.close(nil)
	r, err = o.pop()
	require.NoError(t, err)
	assert.Equal(t, Record("d"), r)

	_, err = o.pop()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOutboxEmpty(t *testing.T) {
	o := newOutbox()
	assert.False(t, o.has())
	_, err := o.pop()
	assert.ErrorIs(t, err, ErrNoOutput)
}
