package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/apperror"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/language"
)

// Strategies holds the strategies a deployment can dispatch to.
// Container is used for profiles with an isolation image, Native for the rest.
type Strategies struct {
	Native    Strategy
	Container Strategy

	closers []func() error
}

// NewStrategies creates the strategies selected by sandbox.backend. Native
// execution is only wired when enable_local_backend is set.
func NewStrategies(cfg *config.Config, logger *zap.Logger) (*Strategies, error) {
	launcher := NewProcessLauncher(logger, WithMaxOutput(cfg.GetMaxOutputBytes()))
	opts := ContainerOptions{
		MemoryMB:       cfg.Sandbox.MemoryMB,
		PidsLimit:      cfg.Sandbox.PidsLimit,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		User:           cfg.Sandbox.ContainerUser,
	}

	s := &Strategies{}
	if cfg.Sandbox.EnableLocalBackend {
		s.Native = NewNativeStrategy(logger, WithNativeLauncher(launcher))
	}

	switch cfg.Sandbox.Backend {
	case "docker", "podman":
		s.Container = NewContainerStrategy(cfg.Sandbox.Backend, logger, opts, WithContainerLauncher(launcher))
	case "dockerapi":
		api, err := NewDockerAPIStrategy(logger, opts, cfg.GetMaxOutputBytes())
		if err != nil {
			return nil, err
		}
		s.Container = api
		s.closers = append(s.closers, api.Close)
	case "local":
		if s.Native == nil {
			return nil, errors.New("local backend requires sandbox.enable_local_backend")
		}
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}

	logger.Info("execution strategies ready",
		zap.Bool("native", s.Native != nil),
		zap.String("container", strategyName(s.Container)))
	return s, nil
}

// For selects the strategy for a profile
func (s *Strategies) For(p language.Profile) (Strategy, error) {
	if p.Containerized() {
		if s.Container == nil {
			return nil, apperror.Infrastructure("no container runtime is configured", nil)
		}
		return s.Container, nil
	}
	if s.Native == nil {
		return nil, apperror.Infrastructure(fmt.Sprintf("native execution of %s is disabled", p.Name()), nil)
	}
	return s.Native, nil
}

// Prepare pulls the isolation images of every profile when the container
// strategy talks to the Engine API. Other strategies pull on first use.
func (s *Strategies) Prepare(ctx context.Context, profiles []language.Profile) error {
	api, ok := s.Container.(*DockerAPIStrategy)
	if !ok {
		return nil
	}
	if err := api.Ping(ctx); err != nil {
		return err
	}
	var images []string
	for _, p := range profiles {
		if p.Containerized() && !slices.Contains(images, p.IsolationImage) {
			images = append(images, p.IsolationImage)
		}
	}
	return api.EnsureImages(ctx, images)
}

// Close releases clients held by the strategies
func (s *Strategies) Close() error {
	var errs []error
	for _, closeFn := range s.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

func strategyName(s Strategy) string {
	if s == nil {
		return ""
	}
	return s.Name()
}
