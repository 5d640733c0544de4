package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/apperror"
)

// drainTimeout bounds how long output is read after the container stopped
const drainTimeout = 2 * time.Second

// DockerAPIStrategy runs each phase in a fresh container through the Docker Engine API
type DockerAPIStrategy struct {
	cli       *client.Client
	logger    *zap.Logger
	opts      ContainerOptions
	maxOutput int
}

// NewDockerAPIStrategy connects to the daemon configured by the DOCKER_* environment
func NewDockerAPIStrategy(logger *zap.Logger, opts ContainerOptions, maxOutput int) (*DockerAPIStrategy, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if opts.User == "" {
		opts.User = hostUser()
	}
	return &DockerAPIStrategy{
		cli:       cli,
		logger:    logger,
		opts:      opts,
		maxOutput: maxOutput,
	}, nil
}

// Name returns the strategy name
func (*DockerAPIStrategy) Name() string {
	return "dockerapi"
}

// Close releases the docker client
func (s *DockerAPIStrategy) Close() error {
	return s.cli.Close()
}

// Ping checks that the daemon answers
func (s *DockerAPIStrategy) Ping(ctx context.Context) error {
	if _, err := s.cli.Ping(ctx); err != nil {
		return apperror.Infrastructure("docker daemon is not reachable", err)
	}
	return nil
}

// EnsureImages pulls every image so the first execution does not pay for it
func (s *DockerAPIStrategy) EnsureImages(ctx context.Context, images []string) error {
	for _, ref := range images {
		s.logger.Info("ensuring docker image is available", zap.String("image", ref))
		reader, err := s.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		// Read everything to block until the pull is complete
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
	}
	return nil
}

// Execute runs the compile and run phases in separate containers sharing the mounted workspace
func (s *DockerAPIStrategy) Execute(ctx context.Context, job Job) (Outcome, error) {
	outcome, err := runPhases(ctx, job, containerVars(job.Profile), func(ctx context.Context, phase Phase, argv []string, stdin string, deadline time.Duration) (ProcessResult, error) {
		return s.runContainer(ctx, job, phase, argv, stdin, deadline)
	})
	outcome.Containerized = true
	return outcome, err
}

func (s *DockerAPIStrategy) runContainer(ctx context.Context, job Job, phase Phase, argv []string, stdin string, deadline time.Duration) (ProcessResult, error) {
	start := time.Now()
	name := containerName(job.Workspace, phase)
	cfg, hostCfg := s.containerConfig(job, phase, argv, stdin != "")

	created, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return ProcessResult{}, apperror.Infrastructure("failed to create container", err)
	}
	id := created.ID
	job.Reaper.Add("container "+name, func(ctx context.Context) error {
		return s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	})

	attach, err := s.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  stdin != "",
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return ProcessResult{}, apperror.Infrastructure("failed to attach to container", err)
	}
	defer attach.Close()

	waitCh, waitErrCh := s.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)

	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return ProcessResult{}, apperror.Infrastructure("failed to start container", err)
	}

	if stdin != "" {
		go func() {
			_, _ = io.Copy(attach.Conn, strings.NewReader(stdin))
			_ = attach.CloseWrite()
		}()
	}

	stdout := newCappedBuffer(s.maxOutput)
	stderr := newCappedBuffer(s.maxOutput)
	copyDone := make(chan struct{})
	go func() {
		// Use stdcopy to demultiplex stdout from stderr
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
		close(copyDone)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var res ProcessResult
	var runErr error
	select {
	case w := <-waitCh:
		res.ExitCode = int(w.StatusCode)
		if w.Error != nil && w.Error.Message != "" {
			runErr = apperror.Infrastructure("container wait failed: "+w.Error.Message, nil)
		}
	case err := <-waitErrCh:
		if ctx.Err() != nil {
			s.kill(id)
			runErr = ctx.Err()
		} else {
			runErr = apperror.Infrastructure("failed waiting for container", err)
		}
	case <-timer.C:
		res.TimedOut = true
		s.kill(id)
	case <-ctx.Done():
		s.kill(id)
		runErr = ctx.Err()
	}

	select {
	case <-copyDone:
	case <-time.After(drainTimeout):
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()
	res.Duration = time.Since(start)
	return res, runErr
}

// containerConfig mirrors the limits the CLI strategy passes as flags
func (s *DockerAPIStrategy) containerConfig(job Job, phase Phase, argv []string, interactive bool) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           job.Profile.IsolationImage,
		Cmd:             argv,
		WorkingDir:      ContainerWorkdir,
		Env:             job.Profile.EnvList(),
		User:            s.opts.User,
		AttachStdin:     interactive,
		OpenStdin:       interactive,
		StdinOnce:       interactive,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             false,
		NetworkDisabled: !s.opts.NetworkEnabled,
		Labels: map[string]string{
			"runbox.workspace": job.Workspace.ID.String(),
			"runbox.phase":     string(phase),
			"runbox.language":  job.Profile.Name(),
		},
	}

	hostCfg := &container.HostConfig{
		Binds:       []string{job.Workspace.RootPath + ":" + ContainerWorkdir},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory: int64(s.opts.MemoryMB) * 1024 * 1024,
		},
	}
	if s.opts.PidsLimit > 0 {
		pids := int64(s.opts.PidsLimit)
		hostCfg.Resources.PidsLimit = &pids
	}
	if !s.opts.NetworkEnabled {
		hostCfg.NetworkMode = "none"
	}
	return cfg, hostCfg
}

func (s *DockerAPIStrategy) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		s.logger.Debug("container kill did not succeed", zap.String("container", id), zap.Error(err))
	}
}
