package sandbox

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/apperror"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/workspace"
)

// ContainerWorkdir is where the workspace is mounted inside containers
const ContainerWorkdir = "/workspace"

// runtimeErrorExitCode is what docker and podman return when the container could not be run
const runtimeErrorExitCode = 125

// stopTimeout bounds the kill command issued after a deadline
const stopTimeout = 10 * time.Second

// ContainerOptions holds the isolation limits applied to every container
type ContainerOptions struct {
	MemoryMB       int
	PidsLimit      int
	NetworkEnabled bool
	User           string
}

// ContainerStrategy runs each phase in a fresh container through the docker or podman CLI
type ContainerStrategy struct {
	runtime  string
	logger   *zap.Logger
	opts     ContainerOptions
	launcher Launcher
}

// ContainerOption defines a functional option for ContainerStrategy
type ContainerOption func(*ContainerStrategy)

// WithContainerLauncher sets the Launcher for ContainerStrategy
func WithContainerLauncher(l Launcher) ContainerOption {
	return func(s *ContainerStrategy) {
		s.launcher = l
	}
}

// NewContainerStrategy creates a ContainerStrategy for the runtime binary ("docker" or "podman")
func NewContainerStrategy(runtime string, logger *zap.Logger, opts ContainerOptions, options ...ContainerOption) *ContainerStrategy {
	if opts.User == "" {
		opts.User = hostUser()
	}
	s := &ContainerStrategy{
		runtime:  runtime,
		logger:   logger,
		opts:     opts,
		launcher: NewProcessLauncher(logger),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Name returns the runtime binary
func (s *ContainerStrategy) Name() string {
	return s.runtime
}

// Execute runs the compile and run phases in separate containers sharing the mounted workspace
func (s *ContainerStrategy) Execute(ctx context.Context, job Job) (Outcome, error) {
	outcome, err := runPhases(ctx, job, containerVars(job.Profile), func(ctx context.Context, phase Phase, argv []string, stdin string, deadline time.Duration) (ProcessResult, error) {
		name := containerName(job.Workspace, phase)
		args := s.runArgs(name, job, argv, stdin != "")

		s.logger.Debug("starting container",
			zap.String("container", name),
			zap.String("image", job.Profile.IsolationImage),
			zap.Strings("argv", argv))

		res, err := s.launcher.Launch(ctx, Command{Args: args, Stdin: stdin}, deadline)
		if err != nil && ctx.Err() == nil {
			return res, apperror.Infrastructure(fmt.Sprintf("%s is not available", s.runtime), err)
		}

		if res.TimedOut || ctx.Err() != nil {
			// Killing the CLI client leaves the container running.
			s.stop(name)
			job.Reaper.Add("container "+name, func(ctx context.Context) error {
				return s.remove(ctx, name)
			})
			return res, err
		}

		if isRuntimeFailure(res) {
			return res, apperror.Infrastructure(strings.TrimSpace(res.Stderr), nil)
		}
		return res, nil
	})
	outcome.Containerized = true
	return outcome, err
}

// runArgs builds the runtime argv. User code only reaches the container as
// the mounted source file and stdin.
func (s *ContainerStrategy) runArgs(name string, job Job, argv []string, interactive bool) []string {
	args := []string{
		s.runtime, "run",
		"--name", name,
		"--rm",
		"-v", job.Workspace.RootPath + ":" + ContainerWorkdir,
		"--workdir", ContainerWorkdir,
		"--memory", fmt.Sprintf("%dm", s.opts.MemoryMB),
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--user", s.opts.User,
	}
	if s.opts.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(s.opts.PidsLimit))
	}
	if !s.opts.NetworkEnabled {
		args = append(args, "--network", "none")
	}
	if interactive {
		args = append(args, "-i")
	}
	for _, kv := range job.Profile.EnvList() {
		args = append(args, "-e", kv)
	}
	args = append(args, job.Profile.IsolationImage)
	return append(args, argv...)
}

// stop uses the runtime's own kill primitive on a container that outlived its deadline
func (s *ContainerStrategy) stop(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	res, err := s.launcher.Launch(ctx, Command{Args: []string{s.runtime, "kill", name}}, stopTimeout)
	if err != nil || res.ExitCode != 0 {
		s.logger.Debug("container kill did not succeed",
			zap.String("container", name),
			zap.String("stderr", res.Stderr),
			zap.Error(err))
	}
}

func (s *ContainerStrategy) remove(ctx context.Context, name string) error {
	res, err := s.launcher.Launch(ctx, Command{Args: []string{s.runtime, "rm", "-f", name}}, stopTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 && !isMissingContainer(res.Stderr) {
		return fmt.Errorf("%s rm -f %s: exit code %d: %s", s.runtime, name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func containerVars(p language.Profile) language.Vars {
	vars := language.Vars{
		Dir: ContainerWorkdir,
		Src: path.Join(ContainerWorkdir, p.SourceFile),
	}
	if p.BinaryFile != "" {
		vars.Bin = path.Join(ContainerWorkdir, p.BinaryFile)
	}
	return vars
}

func containerName(ws *workspace.Workspace, phase Phase) string {
	return fmt.Sprintf("runbox-%s-%s", ws.ID, phase)
}

// isRuntimeFailure separates "the runtime could not run the container" from a
// program that happens to exit with 125.
func isRuntimeFailure(res ProcessResult) bool {
	if res.ExitCode != runtimeErrorExitCode {
		return false
	}
	stderr := strings.TrimSpace(res.Stderr)
	return strings.HasPrefix(stderr, "docker:") ||
		strings.HasPrefix(stderr, "Error:") ||
		strings.Contains(stderr, "Error response from daemon")
}

func isMissingContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no container with name")
}

func hostUser() string {
	uid, gid := os.Getuid(), os.Getgid()
	if uid < 0 || gid < 0 {
		return "nobody"
	}
	return fmt.Sprintf("%d:%d", uid, gid)
}
