package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultWaitDelay bounds how long Wait keeps reading pipes that escaped
// descendants hold open after the process group was killed.
const DefaultWaitDelay = time.Second

// ProcessLauncher implements Launcher with os/exec
type ProcessLauncher struct {
	logger    *zap.Logger
	maxOutput int
	waitDelay time.Duration
}

// LauncherOption defines a functional option for ProcessLauncher
type LauncherOption func(*ProcessLauncher)

// WithMaxOutput sets the per-stream capture limit in bytes
func WithMaxOutput(n int) LauncherOption {
	return func(l *ProcessLauncher) {
		l.maxOutput = n
	}
}

// WithWaitDelay sets how long to wait for pipes after the process exits
func WithWaitDelay(d time.Duration) LauncherOption {
	return func(l *ProcessLauncher) {
		l.waitDelay = d
	}
}

// NewProcessLauncher creates a ProcessLauncher
func NewProcessLauncher(logger *zap.Logger, opts ...LauncherOption) *ProcessLauncher {
	l := &ProcessLauncher{
		logger:    logger,
		maxOutput: DefaultMaxOutputBytes,
		waitDelay: DefaultWaitDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch runs cmd until it exits, the deadline fires or ctx is done.
// When the deadline (or a ctx deadline) fires first the process group is
// killed and the result is marked TimedOut; output captured so far is kept.
// A cancelled ctx kills the group and returns ctx.Err(). Descendants left in
// the group are killed once the process has been waited for, whatever the
// outcome.
func (l *ProcessLauncher) Launch(ctx context.Context, cmd Command, deadline time.Duration) (ProcessResult, error) {
	if len(cmd.Args) == 0 {
		return ProcessResult{}, errors.New("no command provided")
	}

	c := exec.Command(cmd.Args[0], cmd.Args[1:]...) //nolint:gosec // argv comes from parsed profile templates
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	stdout := newCappedBuffer(l.maxOutput)
	stderr := newCappedBuffer(l.maxOutput)
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = l.waitDelay
	configureProcessGroup(c)

	start := time.Now()
	if err := c.Start(); err != nil {
		return ProcessResult{}, fmt.Errorf("start %s: %w", cmd.Args[0], err)
	}

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(deadline)
		defer timer.Stop()

		select {
		case <-done:
			return
		case <-timer.C:
			timedOut.Store(true)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				timedOut.Store(true)
			}
		}
		if err := killProcessGroup(c.Process); err != nil {
			l.logger.Warn("failed to kill process group", zap.Int("pid", c.Process.Pid), zap.Error(err))
		}
	}()

	waitErr := c.Wait()
	close(done)
	if err := reapProcessGroup(c.Process); err != nil {
		l.logger.Warn("failed to kill leftover processes", zap.Int("pgid", c.Process.Pid), zap.Error(err))
	}

	res := ProcessResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCodeOf(c.ProcessState),
		TimedOut:  timedOut.Load(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}

	if res.TimedOut {
		l.logger.Debug("process killed at deadline",
			zap.String("command", cmd.Args[0]),
			zap.Duration("deadline", deadline))
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, fmt.Errorf("wait %s: %w", cmd.Args[0], waitErr)
	}

	return res, nil
}
