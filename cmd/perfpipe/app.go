package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/afero"

	"github.com/songzhibin97/perf-pipeline/artifact"
	"github.com/songzhibin97/perf-pipeline/config"
	"github.com/songzhibin97/perf-pipeline/middleware"
	"github.com/songzhibin97/perf-pipeline/rules"
	"github.com/songzhibin97/perf-pipeline/runner"
	"github.com/songzhibin97/perf-pipeline/storage"
	"github.com/songzhibin97/perf-pipeline/taskspec"
	"github.com/songzhibin97/perf-pipeline/validation"
	"github.com/songzhibin97/perf-pipeline/workflow"
)

// app is the engine and everything it owns.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *workflow.Engine
	closers []io.Closer
}

// newApp wires the engine from configuration. live, when set, receives
// stage output as it is produced.
func newApp(cfg *config.Config, logger *slog.Logger, live io.Writer) (*app, error) {
	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work dir: %w", err)
	}
	fs := afero.NewBasePathFs(afero.NewOsFs(), workDir)
	a := &app{cfg: cfg, logger: logger}

	store, err := newStorage(cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	gate, err := rules.NewGate(cfg.Validation.Gate)
	if err != nil {
		a.Close()
		return nil, err
	}

	procs := runner.New(workDir, logger)
	procs.LiveWriter = live

	var validator validation.Validator
	switch cfg.Validation.Mode {
	case config.ValidationCommand:
		validator = validation.NewCommandValidator(cfg.Validation.Command, cfg.Validation.Timeout, workDir, procs, fs)
	default:
		validator = validation.NewJMXValidator(fs)
	}

	deps := workflow.Dependencies{
		Generator: generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		Storage:   store,
		Tasks: taskspec.NewWriter(fs, cfg.Task.File,
			taskspec.WithRecord(cfg.Task.Record),
			taskspec.WithDefaultURL(cfg.Task.DefaultURL),
		),
		Runner:  procs,
		Scanner: artifact.NewScanner(fs),
		Validator: validation.NewAggregator(validator,
			validation.WithReportDir(cfg.Validation.ReportDir),
			validation.WithLogger(logger),
		),
		Gate: gate,
	}

	engine, err := workflow.NewEngine(deps, pipelineFromConfig(cfg, workDir),
		workflow.WithLogger(logger),
		workflow.WithMiddleware(
			middleware.Logging(logger),
			middleware.Tracing(),
			middleware.Metrics(),
		),
		workflow.WithRetention(cfg.Registry.Retention, cfg.Registry.SweepInterval),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine
	return a, nil
}

func newStorage(cfg *config.Config) (storage.Storage, error) {
	if cfg.Registry.Backend != config.BackendRedis {
		return storage.NewMemoryStorage(), nil
	}
	r := cfg.Registry.Redis
	store, err := storage.NewRedisStorage(storage.RedisOptions{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		MinIdleConns: r.MinIdleConns,
		IdleTimeout:  r.IdleTimeout,
		Retention:    cfg.Registry.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis storage: %w", err)
	}
	return store, nil
}

func pipelineFromConfig(cfg *config.Config, workDir string) workflow.Pipeline {
	s := cfg.Stages
	return workflow.Pipeline{
		Capture:       workflow.StageCommand{Command: s.Capture.Command, Timeout: s.Capture.Timeout},
		Steps:         workflow.StageCommand{Command: s.Steps.Command, Timeout: s.Steps.Timeout},
		Scripts:       workflow.StageCommand{Command: s.Scripts.Command, Timeout: s.Scripts.Timeout},
		StepsDir:      s.Steps.OutputDir,
		StepsExpected: s.Steps.Expected,
		ScriptsDir:    s.Scripts.OutputDir,
		ScriptExt:     s.Scripts.Extension,
		DefaultURL:    cfg.Task.DefaultURL,
		WorkDir:       workDir,
		EnforceGate:   cfg.Validation.EnforceGate,
	}
}

// Shutdown stops the engine and releases the store.
func (a *app) Shutdown(ctx context.Context) error {
	err := a.engine.Stop(ctx)
	a.Close()
	return err
}

// Close releases resources without waiting for running workflows.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("failed to close resource", slog.Any("error", err))
		}
	}
	a.closers = nil
}
