// Package app wires configuration into a ready-to-use sandbox pipeline for
// the command-line front ends.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/compilebox/internal/config"
	"github.com/michaelbrown/compilebox/internal/dispatch"
	"github.com/michaelbrown/compilebox/internal/languages"
	"github.com/michaelbrown/compilebox/internal/metrics"
	"github.com/michaelbrown/compilebox/internal/sandbox"
)

type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Catalog    languages.Catalog
	Sandbox    *sandbox.Sandbox
	Dispatcher *dispatch.Dispatcher
}

// New builds the pipeline described by cfg. spawner may be nil to use the
// configured supervisor script.
func New(cfg *config.Config, logger *zap.Logger, spawner sandbox.Spawner) (*App, error) {
	catalog := languages.Defaults()
	if cfg.Languages.File != "" {
		var err error
		if catalog, err = languages.LoadFile(cfg.Languages.File); err != nil {
			return nil, err
		}
	}

	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	sc, err := cfg.SandboxConfig()
	if err != nil {
		return nil, fmt.Errorf("sandbox config: %w", err)
	}
	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	obs := sandbox.Observers{sandbox.NewLogObserver(logger), metrics.Observer{}}
	sb := sandbox.New(sc, spawner, obs)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Catalog:    catalog,
		Sandbox:    sb,
		Dispatcher: dispatch.New(sb, cfg.Dispatch.MaxConcurrent, cfg.Dispatch.SpawnRate, cfg.Dispatch.SpawnBurst),
	}, nil
}

// Request is a job submission before defaults are applied.
type Request struct {
	Language string
	Sources  map[string]string
	Stdin    string
	Timeout  int    // seconds; 0 uses the configured default
	Image    string // empty uses the configured default
}

// NewJob fills in defaults and a fresh workspace folder name.
func (a *App) NewJob(req Request) (*sandbox.Job, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = a.Config.Sandbox.Timeout
	}
	img := req.Image
	if img == "" {
		img = a.Config.Sandbox.Image
	}
	return sandbox.NewJob(sandbox.JobSpec{
		TimeoutSeconds: timeout,
		Root:           a.Config.Workspace.Root,
		Folder:         uuid.NewString(),
		Image:          img,
		Language:       req.Language,
		Sources:        req.Sources,
		Stdin:          req.Stdin,
	}, a.Catalog)
}

// Run submits one request through the dispatcher.
func (a *App) Run(ctx context.Context, req Request) (*sandbox.Outcome, error) {
	job, err := a.NewJob(req)
	if err != nil {
		return nil, err
	}
	return a.Dispatcher.Run(ctx, job)
}

// Close flushes the logger and writes the metrics textfile if configured.
func (a *App) Close() {
	if path := a.Config.Metrics.Textfile; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			a.Logger.Warn("writing metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}
