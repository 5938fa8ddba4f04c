package bus

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/spectacle/internal/config"
	"github.com/relabs-tech/spectacle/internal/orientation"
)

func TestMemoryRecordsPublishes(t *testing.T) {
	m := NewMemory(Topics{Prefix: "s"})

	require.NoError(t, PoseSink{Publisher: m, Generation: 1}.Publish(orientation.Pose{Tracking: false}))
	require.NoError(t, m.PublishState(map[string]int{"generation": 1}))

	want := []string{"s/status", "s/pose", "s/state"}
	var got []string
	for _, msg := range m.Messages("") {
		got = append(got, msg.Topic)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}

	status := m.Messages("s/status")
	require.Len(t, status, 1)
	assert.Equal(t, "false", string(status[0].Payload))

	state, ok := m.Retained("s/state")
	require.True(t, ok)
	assert.JSONEq(t, `{"generation":1}`, string(state))
	_, ok = m.Retained("s/pose")
	assert.False(t, ok)
}

func TestMemoryInject(t *testing.T) {
	m := NewMemory(Topics{Prefix: "s"})

	var got []Notification
	reg, err := m.Watch(func(n Notification) { got = append(got, n) })
	require.NoError(t, err)

	n, err := m.InjectValue(config.DotProjectorIntensity, config.Float(0.5))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	v, err := got[0].Value()
	require.NoError(t, err)
	assert.Equal(t, config.Float(0.5), v)

	require.NoError(t, reg.Unregister())
	assert.Zero(t, m.Watchers())
	assert.Zero(t, m.Inject(Notification{Key: config.MappingMode, Type: "boolean", Raw: []byte("true")}))
}

func TestMemoryFailures(t *testing.T) {
	m := NewMemory(Topics{Prefix: "s"})
	boom := errors.New("boom")

	m.FailPublishes(boom)
	err := PoseSink{Publisher: m}.Publish(orientation.Pose{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Messages(""))

	m.FailPublishes(nil)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.PublishStatus(true), ErrNotConnected)
	_, err = m.Watch(func(Notification) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAdvertiseMemory(t *testing.T) {
	m := NewMemory(Topics{Prefix: "s"})
	cfg := config.Defaults()
	cfg.AprilTagMapPath = "/maps/field.json"

	require.NoError(t, Advertise(m, cfg))

	payload, ok := m.Retained("s/config/AprilTagMapPath")
	require.True(t, ok)
	n, err := DecodeOption(config.AprilTagMapPath, payload)
	require.NoError(t, err)
	v, err := n.Value()
	require.NoError(t, err)
	assert.Equal(t, config.String("/maps/field.json"), v)
}
