// Package web serves a small debug surface: the latest pose, the manager
// status, a live pose stream over a websocket, runtime option changes and
// Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/spectacle/internal/bus"
	"github.com/relabs-tech/spectacle/internal/config"
	"github.com/relabs-tech/spectacle/internal/lifecycle"
	"github.com/relabs-tech/spectacle/internal/orientation"
)

const (
	clientBuffer = 16
	writeTimeout = 2 * time.Second
	maxBody      = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // debug surface on the robot network
	},
}

// Options configure a Server.
type Options struct {
	// Status reports the manager state for /api/status.
	Status func() lifecycle.Status
	// Submit hands an option change to the control path and returns its
	// outcome.
	Submit   func(ctx context.Context, key string, v config.Value) error
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// PoseView is the pose as served over HTTP and the websocket.
type PoseView struct {
	orientation.Pose
	ReceivedAt time.Time `json:"received_at"`
}

type Server struct {
	opts Options
	log  *slog.Logger

	mu       sync.RWMutex
	pose     PoseView
	havePose bool
	clients  map[chan PoseView]struct{}
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		opts:    opts,
		log:     opts.Logger,
		clients: make(map[chan PoseView]struct{}),
	}
}

// Publish records p as the latest pose and forwards it to every websocket
// client. A client that falls behind misses poses rather than slowing the
// worker down.
func (s *Server) Publish(p orientation.Pose) error {
	v := PoseView{Pose: p, ReceivedAt: time.Now()}

	s.mu.Lock()
	s.pose = v
	s.havePose = true
	for ch := range s.clients {
		select {
		case ch <- v:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/pose", s.handlePose).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/config/{key}", s.handleConfig).Methods(http.MethodPost)
	r.HandleFunc("/ws/pose", s.handlePoseWS)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	return r
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("web server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.closeClients()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handlePose(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	pose, ok := s.pose, s.havePose
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, pose)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		http.Error(w, "status not available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Status())
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if s.opts.Submit == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{"configuration changes not available"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}
	n, err := bus.DecodeOption(key, body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}
	v, err := n.Value()
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
		return
	}

	if err := s.opts.Submit(r.Context(), key, v); err != nil {
		status := http.StatusInternalServerError
		var verr *config.ValidationError
		switch {
		case errors.As(err, &verr):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, lifecycle.ErrShutdown), errors.Is(err, context.Canceled):
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, status, errorResponse{err.Error()})
		return
	}

	s.log.Info("web: configuration change applied", "key", key, "value", v)
	if s.opts.Status != nil {
		s.writeJSON(w, http.StatusOK, s.opts.Status())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoseWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("web: websocket upgrade error", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan PoseView, clientBuffer)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	if s.havePose {
		ch <- s.pose
	}
	s.mu.Unlock()
	defer s.removeClient(ch)

	// The reader only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case v, open := <-ch:
			if !open {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(v); err != nil {
				s.log.Debug("web: websocket write error", "error", err)
				return
			}
		}
	}
}

func (s *Server) removeClient(ch chan PoseView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[ch]; ok {
		delete(s.clients, ch)
		close(ch)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		delete(s.clients, ch)
		close(ch)
	}
}

// Clients reports the number of connected websocket clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("web: json encode error", "error", err)
	}
}
