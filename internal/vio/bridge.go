package vio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrame bounds a single bridge message.
const maxFrame = 4 << 20

// Bridge commands.
const (
	cmdConfigure       = "configure"
	cmdOpenDevice      = "open_device"
	cmdSetIMUToCamera  = "set_imu_to_camera_left"
	cmdSetDotProjector = "set_dot_projector"
	cmdSetFloodlight   = "set_floodlight"
	cmdStart           = "start"
	cmdStop            = "stop"
	cmdCloseDevice     = "close_device"
)

// Bridge events.
const (
	evAck     = "ack"
	evOutput  = "output"
	evError   = "error"
	evStopped = "stopped"
)

type command struct {
	ID      uint64           `msgpack:"id"`
	Cmd     string           `msgpack:"cmd"`
	Options *PipelineOptions `msgpack:"options,omitempty"`
	Matrix  *Matrix4         `msgpack:"matrix,omitempty"`
	Value   *float64         `msgpack:"value,omitempty"`
}

type event struct {
	ID          uint64       `msgpack:"id"`
	Event       string       `msgpack:"event"`
	Error       string       `msgpack:"error,omitempty"`
	Calibration *Calibration `msgpack:"calibration,omitempty"`
	Record      []byte       `msgpack:"record,omitempty"`
}

// BridgeError is an error reported by the process on the other end of the
// bridge.
type BridgeError struct {
	Cmd     string
	Message string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("vio bridge: %s: %s", e.Cmd, e.Message)
}

// Dialer connects to a VIO bridge endpoint. Each pipeline gets its own
// connection.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// BridgeOptions configure a Bridge engine.
type BridgeOptions struct {
	Dial           Dialer
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Bridge is an Engine that drives a VIO process over a length-prefixed
// msgpack stream: each message is a 4-byte big-endian length followed by a
// msgpack map. Commands carry an id which the matching ack or error echoes;
// output records arrive unsolicited with id 0.
type Bridge struct {
	opts BridgeOptions
}

func NewBridge(opts BridgeOptions) *Bridge {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bridge{opts: opts}
}

func (b *Bridge) OpenPipeline(ctx context.Context, opts PipelineOptions) (Pipeline, error) {
	conn, err := b.opts.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("vio bridge: dial: %w", err)
	}
	l := newLink(conn, b.opts)
	if _, err := l.request(ctx, command{Cmd: cmdConfigure, Options: &opts}); err != nil {
		l.close()
		return nil, err
	}
	return &bridgePipeline{link: l}, nil
}

type bridgePipeline struct {
	link *link
}

func (p *bridgePipeline) OpenDevice(ctx context.Context) (Device, error) {
	ev, err := p.link.request(ctx, command{Cmd: cmdOpenDevice})
	if err != nil {
		return nil, err
	}
	var calib Calibration
	if ev.Calibration != nil {
		calib = *ev.Calibration
	}
	return &bridgeDevice{link: p.link, calib: calib}, nil
}

func (p *bridgePipeline) SetIMUToCameraLeft(m Matrix4) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.link.timeout)
	defer cancel()
	_, err := p.link.request(ctx, command{Cmd: cmdSetIMUToCamera, Matrix: &m})
	return err
}

func (p *bridgePipeline) StartSession(ctx context.Context, d Device) (Session, error) {
	if _, ok := d.(*bridgeDevice); !ok {
		return nil, fmt.Errorf("vio bridge: start session: foreign device %T", d)
	}
	if _, err := p.link.request(ctx, command{Cmd: cmdStart}); err != nil {
		return nil, err
	}
	return &bridgeSession{link: p.link}, nil
}

func (p *bridgePipeline) Close() error {
	return p.link.close()
}

type bridgeDevice struct {
	link  *link
	calib Calibration
	once  sync.Once
}

func (d *bridgeDevice) Calibration() (Calibration, error) { return d.calib, nil }

func (d *bridgeDevice) SetDotProjectorIntensity(v float64) error {
	return d.link.call(command{Cmd: cmdSetDotProjector, Value: &v})
}

func (d *bridgeDevice) SetFloodlightIntensity(v float64) error {
	return d.link.call(command{Cmd: cmdSetFloodlight, Value: &v})
}

func (d *bridgeDevice) Close() error {
	var err error
	d.once.Do(func() {
		err = d.link.call(command{Cmd: cmdCloseDevice})
		if errors.Is(err, ErrClosed) {
			err = nil
		}
	})
	return err
}

type bridgeSession struct {
	link *link
	once sync.Once
}

func (s *bridgeSession) HasOutput() bool         { return s.link.out.has() }
func (s *bridgeSession) Output() (Record, error) { return s.link.out.pop() }
func (s *bridgeSession) Ready() <-chan struct{}  { return s.link.out.ready }

func (s *bridgeSession) Close() error {
	var err error
	s.once.Do(func() {
		err = s.link.call(command{Cmd: cmdStop})
		if errors.Is(err, ErrClosed) {
			err = nil
		}
	})
	return err
}

// link is one connection to the bridge process.
type link struct {
	conn    io.ReadWriteCloser
	log     *slog.Logger
	timeout time.Duration
	out     *outbox

	wmu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan event
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

func newLink(conn io.ReadWriteCloser, opts BridgeOptions) *link {
	l := &link{
		conn:    conn,
		log:     opts.Logger,
		timeout: opts.RequestTimeout,
		out:     newOutbox(),
		pending: make(map[uint64]chan event),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// call is request with the link's default timeout.
func (l *link) call(c command) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	_, err := l.request(ctx, c)
	return err
}

func (l *link) request(ctx context.Context, c command) (event, error) {
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return event{}, err
	}
	l.nextID++
	c.ID = l.nextID
	reply := make(chan event, 1)
	l.pending[c.ID] = reply
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.pending, c.ID)
		l.mu.Unlock()
	}()

	if err := l.write(c); err != nil {
		l.fail(err)
		return event{}, fmt.Errorf("vio bridge: %s: %w", c.Cmd, err)
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case ev := <-reply:
		if ev.Event == evError {
			return ev, &BridgeError{Cmd: c.Cmd, Message: ev.Error}
		}
		return ev, nil
	case <-l.done:
		return event{}, fmt.Errorf("vio bridge: %s: %w", c.Cmd, l.failure())
	case <-timer.C:
		return event{}, fmt.Errorf("vio bridge: %s: timed out after %v", c.Cmd, l.timeout)
	case <-ctx.Done():
		return event{}, fmt.Errorf("vio bridge: %s: %w", c.Cmd, ctx.Err())
	}
}

func (l *link) write(c command) error {
	payload, err := msgpack.Marshal(&c)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return writeFrame(l.conn, payload)
}

func (l *link) readLoop() {
	for {
		payload, err := readFrame(l.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			l.fail(err)
			return
		}

		var ev event
		if err := msgpack.Unmarshal(payload, &ev); err != nil {
			l.log.Warn("vio bridge: dropping undecodable message", "error", err, "bytes", len(payload))
			continue
		}

		if ev.ID != 0 {
			l.mu.Lock()
			reply, ok := l.pending[ev.ID]
			l.mu.Unlock()
			if ok {
				reply <- ev
			} else {
				l.log.Debug("vio bridge: reply for unknown request", "id", ev.ID, "event", ev.Event)
			}
			continue
		}

		switch ev.Event {
		case evOutput:
			l.out.push(Record(ev.Record))
		case evStopped:
			l.out.close(ErrClosed)
		case evError:
			l.log.Error("vio bridge: engine error", "error", ev.Error)
			l.out.close(fmt.Errorf("%w: %s", ErrClosed, ev.Error))
		default:
			l.log.Debug("vio bridge: ignoring event", "event", ev.Event)
		}
	}
}

// fail records the first fatal link error and wakes every waiter.
func (l *link) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		if errors.Is(err, ErrClosed) {
			l.err = err
		} else {
			l.err = fmt.Errorf("%w: %v", ErrClosed, err)
		}
	}
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.done) })
	l.out.close(l.failure())
}

func (l *link) failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *link) close() error {
	l.fail(ErrClosed)
	return l.conn.Close()
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read msgpack data: %w", err)
	}
	return payload, nil
}
