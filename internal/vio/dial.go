package vio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
)

// killTimeout is how long a helper process gets to exit after its stdin is
// closed.
const killTimeout = 2 * time.Second

// CommandDialer starts argv as a helper process per pipeline and talks to it
// over stdin and stdout. Its stderr is forwarded to logger.
func CommandDialer(argv []string, logger *slog.Logger) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if len(argv) == 0 {
			return nil, errors.New("empty bridge command")
		}
		if logger == nil {
			logger = slog.Default()
		}

		cmd := exec.Command(argv[0], argv[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
		}
		logger.Info("vio bridge process started", "command", argv[0], "pid", cmd.Process.Pid)

		p := &process{
			cmd:    cmd,
			stdin:  stdin,
			stdout: stdout,
			log:    logger,
			exited: make(chan struct{}),
		}
		go p.logStderr(stderr)
		go p.wait()
		return p, nil
	}
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	log    *slog.Logger

	exited chan struct{}
	once   sync.Once
}

func (p *process) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close closes stdin so the helper can exit on its own, and kills it if it
// has not exited within killTimeout.
func (p *process) Close() error {
	p.once.Do(func() {
		p.stdin.Close()
		select {
		case <-p.exited:
		case <-time.After(killTimeout):
			p.log.Warn("vio bridge process did not exit, killing", "pid", p.cmd.Process.Pid)
			if err := p.cmd.Process.Kill(); err != nil {
				p.log.Error("failed to kill vio bridge process", "pid", p.cmd.Process.Pid, "error", err)
			}
			<-p.exited
		}
	})
	return nil
}

func (p *process) wait() {
	if err := p.cmd.Wait(); err != nil {
		p.log.Warn("vio bridge process exited", "pid", p.cmd.Process.Pid, "error", err)
	} else {
		p.log.Info("vio bridge process exited cleanly", "pid", p.cmd.Process.Pid)
	}
	close(p.exited)
}

// logStderr maps the helper's log lines onto slog levels.
func (p *process) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			p.log.Error("vio bridge", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			p.log.Warn("vio bridge", "log", line)
		default:
			p.log.Debug("vio bridge", "log", line)
		}
	}
}

// SerialDialer talks to a VIO coprocessor over a serial port.
func SerialDialer(port string, baud uint) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		opts := serial.OpenOptions{
			PortName:              port,
			BaudRate:              baud,
			DataBits:              8,
			StopBits:              1,
			MinimumReadSize:       1,
			ParityMode:            serial.PARITY_NONE,
			InterCharacterTimeout: 0,
		}
		rwc, err := serial.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", port, err)
		}
		return rwc, nil
	}
}
