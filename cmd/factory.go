// File: cmd/factory.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/H4tholdir/archibaldblackant-sub014/api/schemas"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/browser"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/browser/resolve"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/catalog"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/config"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/credentials"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/diagnostics"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/engine"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/observability"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/protocol"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/sessionstore"
	"github.com/H4tholdir/archibaldblackant-sub014/internal/store"
)

// Components holds all the initialized services a command needs to run jobs.
// It centralizes lifecycle management of the engine's dependencies.
type Components struct {
	Engine  *engine.Engine
	Pool    *browser.Pool
	Reports schemas.ReportStore
	Catalog *catalog.FileCache
	DBPool  *pgxpool.Pool
}

// Shutdown gracefully closes all components in dependency order.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning component shutdown sequence.")

	// 1. Stop the engine first. It drains queued jobs, stops the sync and
	// shuts the browser pool down behind it.
	if c.Engine != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		c.Engine.Stop(shutdownCtx)
		cancel()
		logger.Debug("Engine stopped.")
	} else if c.Pool != nil {
		// The engine never started; the pool still owns a browser process.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		c.Pool.Shutdown(shutdownCtx)
		cancel()
		logger.Debug("Browser pool shut down.")
	}

	// 2. Close the database connection pool.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}

// ComponentFactory defines the interface for creating the component set.
// The abstraction keeps the run command's logic testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles the full dependency injection and initialization of the
// engine and everything under it.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config) (*Components, error) {
	logger := observability.GetLogger()
	components := &Components{}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. UI profile. The embedded default covers the stock target; a profile
	// file overrides it when the target's screens were customized.
	profile := protocol.DefaultProfile()
	if cfg.Target.ProfileFile != "" {
		loaded, err := protocol.LoadProfile(cfg.Target.ProfileFile)
		if err != nil {
			initializationErr = fmt.Errorf("failed to load UI profile: %w", err)
			return nil, initializationErr
		}
		profile = loaded
		logger.Debug("UI profile loaded from file.", zap.String("path", cfg.Target.ProfileFile))
	}

	// 2. Element resolver and protocol driver.
	resolver := resolve.New(logger, 0)
	driver, err := protocol.NewDriver(logger, resolver, profile, cfg.Target.BaseURL, cfg.Engine.ResolveTimeout)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize protocol driver: %w", err)
		return nil, initializationErr
	}
	logger.Debug("Protocol driver initialized.")

	// 3. Session store for persisted cookie records.
	sessions, err := sessionstore.New(logger, cfg.Sessions.Dir)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize session store: %w", err)
		return nil, initializationErr
	}
	logger.Debug("Session store initialized.", zap.String("dir", cfg.Sessions.Dir))

	// 4. Credentials. The static source doubles as the identity resolver for
	// job labels.
	creds := credentials.NewStatic(cfg.Credentials)

	// 5. Browser pool. The driver is also the authenticator: establishing a
	// session replays the login protocol.
	pool := browser.NewPool(ctx, logger, cfg, sessions, creds, driver)
	components.Pool = pool
	logger.Debug("Browser pool initialized.")

	// 6. Report store. Without a database URL reports live in memory only.
	if cfg.Postgres.URL == "" {
		components.Reports = store.NewMemory()
		logger.Info("No postgres.url configured, reports will not survive the process (hint: ARCHIBALD_POSTGRES_URL).")
	} else {
		dbPool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			initializationErr = fmt.Errorf("failed to create database connection pool: %w", err)
			return nil, initializationErr
		}
		// Add to components immediately so the deferred Shutdown can close it
		// if later steps fail.
		components.DBPool = dbPool

		dbStore, err := store.New(ctx, dbPool, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize report store: %w", err)
			return nil, initializationErr
		}
		if err := dbStore.EnsureSchema(ctx); err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.Reports = dbStore
		logger.Debug("Report store initialized.")
	}

	// 7. Diagnostics sink for failure artifacts.
	diag, err := diagnostics.New(logger, cfg.Diagnostics.Dir)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize diagnostics sink: %w", err)
		return nil, initializationErr
	}
	logger.Debug("Diagnostics sink initialized.", zap.String("dir", cfg.Diagnostics.Dir))

	// 8. Catalog cache consuming background sync snapshots.
	catalogCache, err := catalog.New(logger, cfg.Catalog.Dir)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize catalog cache: %w", err)
		return nil, initializationErr
	}
	components.Catalog = catalogCache
	logger.Debug("Catalog cache initialized.", zap.String("dir", cfg.Catalog.Dir))

	// 9. The engine itself.
	eng := engine.New(cfg, logger, pool, driver, components.Reports, diag, creds, catalogCache)
	components.Engine = eng
	logger.Debug("Engine initialized.")

	logger.Info("All components initialized successfully.")
	return components, nil
}
