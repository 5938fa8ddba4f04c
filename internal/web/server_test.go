package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/spectacle/internal/config"
	"github.com/relabs-tech/spectacle/internal/lifecycle"
	"github.com/relabs-tech/spectacle/internal/orientation"
)

type submitted struct {
	key string
	v   config.Value
}

func newTestServer(t *testing.T, submit func(context.Context, string, config.Value) error) (*Server, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "spectacle_test_total", Help: "test"}))

	s := NewServer(Options{
		Status: func() lifecycle.Status {
			return lifecycle.Status{State: lifecycle.StateRunning, Generation: 4}
		},
		Submit:   submit,
		Gatherer: reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestPoseEndpoint(t *testing.T) {
	s, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/pose")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "no data yet")

	require.NoError(t, s.Publish(orientation.Pose{Tracking: true, Position: orientation.Vec3{X: 2}}))

	resp, err = http.Get(ts.URL + "/api/pose")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got PoseView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.True(t, got.Tracking)
	assert.Equal(t, 2.0, got.Position.X)
	assert.False(t, got.ReceivedAt.IsZero())
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st lifecycle.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, lifecycle.StateRunning, st.State)
	assert.Equal(t, uint64(4), st.Generation)
}

func TestConfigEndpoint(t *testing.T) {
	var got []submitted
	submit := func(_ context.Context, key string, v config.Value) error {
		if err := config.Validate(key, v); err != nil {
			return err
		}
		got = append(got, submitted{key, v})
		return nil
	}
	_, ts := newTestServer(t, submit)

	post := func(key, body string) int {
		resp, err := http.Post(ts.URL+"/api/config/"+key, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post("DotProjectorIntensity", `{"type":"double","value":0.25}`))
	assert.Equal(t, http.StatusUnprocessableEntity, post("DotProjectorIntensity", `{"type":"double","value":7}`))
	assert.Equal(t, http.StatusUnprocessableEntity, post("Exposure", `{"type":"boolean","value":true}`))
	assert.Equal(t, http.StatusBadRequest, post("MappingMode", `{"type":"integer","value":1}`))
	assert.Equal(t, http.StatusBadRequest, post("MappingMode", `true`))
	assert.Equal(t, http.StatusBadRequest, post("AprilTagMapPath", `{"type":"string","value":null}`))

	require.Len(t, got, 1)
	assert.Equal(t, submitted{"DotProjectorIntensity", config.Float(0.25)}, got[0])

	resp, err := http.Get(ts.URL + "/api/config/MappingMode")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestConfigEndpointAfterShutdown(t *testing.T) {
	_, ts := newTestServer(t, func(context.Context, string, config.Value) error {
		return lifecycle.ErrShutdown
	})

	resp, err := http.Post(ts.URL+"/api/config/MappingMode", "application/json",
		strings.NewReader(`{"type":"boolean","value":true}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "spectacle_test_total")
}

func TestPoseWebsocket(t *testing.T) {
	s, ts := newTestServer(t, nil)
	require.NoError(t, s.Publish(orientation.Pose{Position: orientation.Vec3{Z: 1}}))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/pose"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first PoseView
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, 1.0, first.Position.Z, "latest pose is sent on connect")

	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Publish(orientation.Pose{Tracking: true, Position: orientation.Vec3{Z: 2}}))

	var next PoseView
	require.NoError(t, conn.ReadJSON(&next))
	assert.True(t, next.Tracking)
	assert.Equal(t, 2.0, next.Position.Z)

	conn.Close()
	require.Eventually(t, func() bool { return s.Clients() == 0 }, 2*time.Second, time.Millisecond)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestSubmitErrorIsReported(t *testing.T) {
	_, ts := newTestServer(t, func(context.Context, string, config.Value) error {
		return errors.New("restart failed")
	})

	resp, err := http.Post(ts.URL+"/api/config/MappingMode", "application/json",
		strings.NewReader(`{"type":"boolean","value":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var e errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, "restart failed", e.Error)
}
