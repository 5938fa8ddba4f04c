package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/spectacle/internal/bus"
	"github.com/relabs-tech/spectacle/internal/lifecycle"
	"github.com/relabs-tech/spectacle/internal/orientation"
)

func TestConsoleHandle(t *testing.T) {
	var out bytes.Buffer
	topics := bus.Topics{Prefix: "spectacle"}
	c := NewConsole(&out, topics, slog.New(slog.NewTextHandler(io.Discard, nil)))

	pose, err := json.Marshal(bus.PoseMessage{
		Pose:       orientation.Pose{Position: orientation.Vec3{X: 1.5}, Yaw: math.Pi / 2},
		Generation: 2,
	})
	require.NoError(t, err)
	state, err := json.Marshal(lifecycle.Status{State: lifecycle.StateIdle, Generation: 2, Degraded: true, LastError: "vio session lost"})
	require.NoError(t, err)

	c.Handle("spectacle/status", []byte("true"))
	c.Handle("spectacle/pose", pose)
	c.Handle("spectacle/state", state)
	c.Handle("spectacle/config/MappingMode", []byte(`{"type":"boolean","value":true}`))
	c.Handle("spectacle/pose", []byte("garbage"))
	c.Handle("other/topic", []byte("x"))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)
	assert.Equal(t, "[STAT]  tracking=true", string(lines[0]))
	assert.Contains(t, string(lines[1]), "gen=2")
	assert.Contains(t, string(lines[1]), "X=  1.500")
	assert.Contains(t, string(lines[1]), "YAW=  90.00")
	assert.Equal(t, "[STATE] idle gen=2 DEGRADED: vio session lost", string(lines[2]))
	assert.Equal(t, `[CONF]  MappingMode={"type":"boolean","value":true}`, string(lines[3]))
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"test", "sim", "robot"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), m)
	}
	_, err := ParseMode("field")
	assert.Error(t, err)
}
