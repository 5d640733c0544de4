package sandbox

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/apperror"
	"github.com/isdmx/runbox/language"
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// NativeStrategy runs host toolchains directly inside the workspace.
// It provides no isolation beyond the process group and deadline and is
// meant for development hosts.
type NativeStrategy struct {
	logger   *zap.Logger
	launcher Launcher
	baseEnv  []string
}

// NativeOption defines a functional option for NativeStrategy
type NativeOption func(*NativeStrategy)

// WithNativeLauncher sets the Launcher for NativeStrategy
func WithNativeLauncher(l Launcher) NativeOption {
	return func(s *NativeStrategy) {
		s.launcher = l
	}
}

// WithBaseEnv replaces the minimal default environment
func WithBaseEnv(env []string) NativeOption {
	return func(s *NativeStrategy) {
		s.baseEnv = env
	}
}

// NewNativeStrategy creates a NativeStrategy. Programs see only PATH and
// HOME (the workspace) unless WithBaseEnv supplies an environment.
func NewNativeStrategy(logger *zap.Logger, opts ...NativeOption) *NativeStrategy {
	s := &NativeStrategy{
		logger:   logger,
		launcher: NewProcessLauncher(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the strategy name
func (*NativeStrategy) Name() string {
	return "native"
}

// Execute compiles if required and runs the program on the host
func (s *NativeStrategy) Execute(ctx context.Context, job Job) (Outcome, error) {
	ws := job.Workspace
	vars := language.Vars{
		Dir: ws.RootPath,
		Src: ws.Path(job.Profile.SourceFile),
		Bin: ws.Path(job.Profile.BinaryFile),
	}
	env := append(s.environment(ws.RootPath), job.Profile.EnvList()...)

	return runPhases(ctx, job, vars, func(ctx context.Context, phase Phase, argv []string, stdin string, deadline time.Duration) (ProcessResult, error) {
		s.logger.Debug("starting native process",
			zap.String("phase", string(phase)),
			zap.Strings("argv", argv),
			zap.Duration("deadline", deadline))

		res, err := s.launcher.Launch(ctx, Command{
			Args:  argv,
			Dir:   ws.RootPath,
			Env:   env,
			Stdin: stdin,
		}, deadline)
		if err != nil && ctx.Err() == nil {
			return res, apperror.Infrastructure(fmt.Sprintf("failed to run %s step", phase), err)
		}
		return res, err
	})
}

func (s *NativeStrategy) environment(home string) []string {
	if s.baseEnv != nil {
		return append([]string{}, s.baseEnv...)
	}
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	return []string{"PATH=" + path, "HOME=" + home}
}
