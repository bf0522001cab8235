// Package capture supervises the external microphone/camera capture
// process that runs while a conversation is active.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/speechlens/speechlens/internal/observability"
)

const scopeName = "github.com/speechlens/speechlens/internal/capture"

const DefaultStopGrace = 2 * time.Second

// Supervisor starts and stops the capture process.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
}

// New returns a process supervisor for command, or a no-op supervisor when
// command is blank.
func New(command string, grace time.Duration, logger *slog.Logger) Supervisor {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return Noop{}
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{name: fields[0], args: fields[1:], grace: grace, logger: logger}
}

// Noop is used when no capture command is configured.
type Noop struct{}

func (Noop) Start(context.Context) error { return nil }
func (Noop) Stop() error                 { return nil }
func (Noop) Running() bool               { return false }

// Process runs one child at a time. The child outlives the ctx passed to
// Start; only Stop ends it.
type Process struct {
	name   string
	args   []string
	grace  time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *Process) Start(ctx context.Context) (err error) {
	_, span := observability.StartSpan(ctx, scopeName, "capture.start", attribute.String("capture.command", p.name))
	defer func() { observability.EndSpan(span, err) }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return nil
	}

	cmd := exec.Command(p.name, p.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture %q: %w", p.name, err)
	}
	done := make(chan struct{})
	p.cmd, p.done = cmd, done
	p.logger.Info("capture started", "command", p.name, "pid", cmd.Process.Pid)

	go func() {
		werr := cmd.Wait()
		close(done)
		p.mu.Lock()
		if p.cmd == cmd {
			p.cmd, p.done = nil, nil
		}
		p.mu.Unlock()
		if werr != nil {
			p.logger.Debug("capture exited", "command", p.name, "err", werr)
		}
	}()
	return nil
}

func (p *Process) Stop() (err error) {
	_, span := observability.StartSpan(context.Background(), scopeName, "capture.stop", attribute.String("capture.command", p.name))
	defer func() { observability.EndSpan(span, err) }()

	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.cmd, p.done = nil, nil
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("capture interrupt failed; killing", "err", err)
	}
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill capture: %w", err)
		}
		<-done
	}
	p.logger.Info("capture stopped", "command", p.name)
	return nil
}

func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}
