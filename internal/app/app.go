// Package app wires configuration, repository, topology and scheduler
// into a runnable application.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/vk/stagegridgo/internal/config"
	"github.com/vk/stagegridgo/internal/ctxlog"
	"github.com/vk/stagegridgo/internal/repo"
	"github.com/vk/stagegridgo/internal/repo/local"
	"github.com/vk/stagegridgo/internal/repo/rest"
	"github.com/vk/stagegridgo/internal/repo/sqlitestore"
	"github.com/vk/stagegridgo/internal/stage"
	"github.com/vk/stagegridgo/internal/tree"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	pipeline *config.Config
	set      *stage.Set
	repo     repo.Repository
	tree     *tree.Cached
	closers  []func() error
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger. Configuration
// failures are fatal startup errors and panic; the CLI entrypoint
// recovers and reports them.
func NewApp(outW io.Writer, appConfig *Config) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	pipeline, err := config.Load(ctx, appConfig.ConfigPath)
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}

	set, err := pipeline.BuildSet()
	if err != nil {
		panic(fmt.Errorf("invalid pipeline declarations: %w", err))
	}
	logger.Debug("Stage set built.", "stages", len(set.Names()), "scope", set.Scope())

	a := &App{
		outW:     outW,
		logger:   logger,
		config:   appConfig,
		pipeline: pipeline,
		set:      set,
	}
	if err := a.openRepository(); err != nil {
		panic(err)
	}
	if err := a.openTree(); err != nil {
		panic(err)
	}
	return a
}

// openRepository selects the repository backend from the app config.
func (a *App) openRepository() error {
	switch {
	case a.config.ArchiveURL != "":
		client, err := rest.New(a.config.ArchiveURL, filepath.Join(a.config.CachePath, "scratch"))
		if err != nil {
			return fmt.Errorf("failed to open remote archive: %w", err)
		}
		cache, err := local.NewCache(client, a.config.CachePath)
		if err != nil {
			client.Close()
			return fmt.Errorf("failed to open fetch cache: %w", err)
		}
		a.repo = cache
		a.closers = append(a.closers, client.Close)
		a.logger.Debug("Using remote archive.", "url", a.config.ArchiveURL, "cache", a.config.CachePath)

	case a.config.ArchiveDB != "":
		store, err := sqlitestore.New(a.config.ArchiveDB, filepath.Join(a.config.CachePath, "scratch"))
		if err != nil {
			return fmt.Errorf("failed to open sqlite archive: %w", err)
		}
		a.repo = store
		a.closers = append(a.closers, store.Close)
		a.logger.Debug("Using sqlite archive.", "path", a.config.ArchiveDB)

	default:
		store, err := local.New(a.config.RepoPath)
		if err != nil {
			return fmt.Errorf("failed to open local repository: %w", err)
		}
		a.repo = store
		a.logger.Debug("Using local repository.", "path", a.config.RepoPath)
	}
	return nil
}

// openTree builds the cached topology provider from the declared
// topology block.
func (a *App) openTree() error {
	static := a.pipeline.BuildTree()
	if static == nil {
		return fmt.Errorf("configuration must declare a topology block")
	}
	a.tree = tree.NewCached(static)
	return nil
}

// Close releases the repository backends.
func (a *App) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
