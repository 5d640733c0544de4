package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/api"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/engine"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/template"
	"github.com/isdmx/runbox/workspace"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			language.NewRegistryFromConfig,
			workspace.NewManagerFromConfig,
			newStrategies,
			newTemplateResolver,
			engine.NewFromConfig,

			func(cfg *config.Config, log *zap.Logger, eng *engine.Engine) (*mcpserver.MCPServer, error) {
				return mcpserver.New(cfg, log, eng)
			},
			func(cfg *config.Config, log *zap.Logger, eng *engine.Engine) *api.Server {
				return api.NewServer(cfg, eng, log)
			},
		),

		// Start the appropriate transport based on config
		fx.Invoke(startTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

// newStrategies builds the execution strategies, pulls images when asked to
// and closes runtime clients on stop.
func newStrategies(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, registry *language.Registry) (*sandbox.Strategies, error) {
	strategies, err := sandbox.NewStrategies(cfg, log)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cfg.Sandbox.PullImages {
				return nil
			}
			return strategies.Prepare(ctx, registry.List())
		},
		OnStop: func(context.Context) error {
			return strategies.Close()
		},
	})
	return strategies, nil
}

func newTemplateResolver(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (template.Resolver, error) {
	resolver, closeFn, err := template.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(closeFn))
	return resolver, nil
}

func startTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, mcp *mcpserver.MCPServer, rest *api.Server) {
	serve := func(name string, run func() error) {
		go func() {
			if err := run(); err != nil {
				log.Error("transport stopped", zap.String("transport", name), zap.Error(err))
				_ = shutdowner.Shutdown(fx.ExitCode(1))
			}
		}()
	}

	switch cfg.Server.Transport {
	case "stdio":
		lc.Append(fx.StartHook(func() {
			serve("stdio", mcp.ServeStdio)
		}))
	case "http":
		lc.Append(fx.StartHook(func() {
			serve("http", mcp.ServeHTTP)
		}))
	case "rest":
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return rest.Start()
			},
			OnStop: rest.Shutdown,
		})
	default:
		panic("unsupported transport: " + cfg.Server.Transport)
	}
}
