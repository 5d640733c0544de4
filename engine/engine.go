package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/runbox/apperror"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/template"
	"github.com/isdmx/runbox/workspace"
)

// StrategySelector picks the sandbox strategy for a profile
type StrategySelector interface {
	For(p language.Profile) (sandbox.Strategy, error)
}

// Options tunes an Engine
type Options struct {
	Timeout        time.Duration
	MaxTimeout     time.Duration
	MaxConcurrency int
	StderrPolicy   sandbox.StderrPolicy
}

// Default engine options
const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxTimeout     = 30 * time.Second
	DefaultMaxConcurrency = 4
)

// Engine runs execution requests
type Engine struct {
	logger     *zap.Logger
	registry   *language.Registry
	workspaces *workspace.Manager
	strategies StrategySelector
	templates  template.Resolver
	sem        *semaphore.Weighted
	opts       Options
}

// New creates an Engine. A nil templates resolver rejects every template request.
func New(
	logger *zap.Logger,
	registry *language.Registry,
	workspaces *workspace.Manager,
	strategies StrategySelector,
	templates template.Resolver,
	opts Options,
) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxTimeout < opts.Timeout {
		opts.MaxTimeout = max(opts.Timeout, DefaultMaxTimeout)
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.StderrPolicy == "" {
		opts.StderrPolicy = sandbox.StderrPolicyContainerized
	}

	return &Engine{
		logger:     logger,
		registry:   registry,
		workspaces: workspaces,
		strategies: strategies,
		templates:  templates,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		opts:       opts,
	}
}

// NewFromConfig creates an Engine from the sandbox config section
func NewFromConfig(
	cfg *config.Config,
	logger *zap.Logger,
	registry *language.Registry,
	workspaces *workspace.Manager,
	strategies *sandbox.Strategies,
	templates template.Resolver,
) (*Engine, error) {
	policy, err := sandbox.ParseStderrPolicy(cfg.Sandbox.StderrPolicy)
	if err != nil {
		return nil, err
	}
	return New(logger, registry, workspaces, strategies, templates, Options{
		Timeout:        cfg.GetTimeout(),
		MaxTimeout:     cfg.GetMaxTimeout(),
		MaxConcurrency: cfg.Sandbox.MaxConcurrency,
		StderrPolicy:   policy,
	}), nil
}

// Languages returns every supported language profile
func (e *Engine) Languages() []language.Profile {
	return e.registry.List()
}

// Execute runs req and returns its Result. An error is returned only when
// the request is rejected (invalid, unsupported language, unknown template)
// or ctx ends while waiting for a concurrency slot; in both cases nothing
// was allocated. Program and runtime failures are reported in the Result
// and converted with Result.Err.
func (e *Engine) Execute(ctx context.Context, req Request) (sandbox.Result, error) {
	profile, req, err := e.prepare(ctx, req)
	if err != nil {
		rejectionsTotal.WithLabelValues(apperror.KindOf(err)).Inc()
		return sandbox.Result{}, err
	}

	id := ulid.Make().String()
	log := logger.ForExecution(e.logger, id, profile.Name())
	log.Debug("execution state", zap.String("state", "language_resolved"))

	queued := time.Now()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperror.Timeout()
		} else {
			err = fmt.Errorf("waiting for execution slot: %w", err)
		}
		rejectionsTotal.WithLabelValues(apperror.KindOf(err)).Inc()
		log.Debug("execution state", zap.String("state", "rejected"), zap.Error(err))
		return sandbox.Result{}, err
	}
	defer e.sem.Release(1)
	queueWait.Observe(time.Since(queued).Seconds())

	executionsInFlight.Inc()
	defer executionsInFlight.Dec()

	reaper := sandbox.NewReaper(log)
	defer func() {
		if failed := reaper.Reap(); failed > 0 {
			cleanupFailures.Add(float64(failed))
		}
		log.Debug("execution state", zap.String("state", "cleaned_up"))
	}()

	started := time.Now()
	result := e.run(ctx, log, reaper, profile, req)
	result.ID = id
	result.Language = profile.Name()
	result.Duration = time.Since(started)

	executionsTotal.WithLabelValues(profile.Name(), string(result.Status)).Inc()
	executionDuration.WithLabelValues(profile.Name()).Observe(result.Duration.Seconds())

	log.Debug("execution state",
		zap.String("state", string(result.Status)),
		zap.String("phase", string(result.Phase)),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// prepare validates req, replaces a template reference with its source and
// resolves the language profile.
func (e *Engine) prepare(ctx context.Context, req Request) (language.Profile, Request, error) {
	if err := req.Validate(); err != nil {
		return language.Profile{}, req, err
	}

	if req.IsTemplate() {
		id := *req.TemplateID
		if e.templates == nil {
			return language.Profile{}, req, apperror.NotFound("template %d not found", id)
		}
		tpl, err := e.templates.Resolve(ctx, id)
		if err != nil {
			return language.Profile{}, req, err
		}
		if strings.TrimSpace(tpl.Code) == "" {
			return language.Profile{}, req, apperror.Validation("templateId", fmt.Sprintf("template %d has no code", id))
		}
		req.Language, req.Code, req.TemplateID = tpl.Language, tpl.Code, nil
	}

	profile, err := e.registry.Resolve(req.Language)
	if err != nil {
		return language.Profile{}, req, err
	}
	return profile, req, nil
}

func (e *Engine) run(ctx context.Context, log *zap.Logger, reaper *sandbox.Reaper, profile language.Profile, req Request) sandbox.Result {
	strategy, err := e.strategies.For(profile)
	if err != nil {
		log.Warn("no strategy for language", zap.Error(err))
		return sandbox.InfrastructureFailure(err)
	}

	ws, err := e.workspaces.Create()
	if err != nil {
		log.Error("failed to create workspace", zap.Error(err))
		return sandbox.InfrastructureFailure(err)
	}
	reaper.Add("workspace "+ws.ID.String(), func(context.Context) error {
		return e.workspaces.Release(ws)
	})
	log = log.With(zap.String("workspace", ws.ID.String()), zap.String("strategy", strategy.Name()))

	if _, err := e.workspaces.Write(ws, profile.SourceFile, req.Code); err != nil {
		log.Error("failed to write source", zap.Error(err))
		return sandbox.InfrastructureFailure(err)
	}
	log.Debug("execution state", zap.String("state", "workspace_prepared"))

	outcome, err := strategy.Execute(ctx, sandbox.Job{
		Profile:   profile,
		Workspace: ws,
		Stdin:     req.Stdin,
		Deadline:  e.deadline(req.Timeout),
		Reaper:    reaper,
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("strategy failed", zap.String("phase", string(outcome.Phase)), zap.Error(err))
	}
	return sandbox.BuildResult(outcome, err, e.opts.StderrPolicy)
}

// deadline applies the default and caps per-request overrides
func (e *Engine) deadline(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return e.opts.Timeout
	case requested > e.opts.MaxTimeout:
		return e.opts.MaxTimeout
	default:
		return requested
	}
}
