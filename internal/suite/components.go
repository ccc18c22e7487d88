// File: internal/suite/components.go
package suite

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shopcheck/internal/api"
	"github.com/xkilldash9x/shopcheck/internal/browser"
	"github.com/xkilldash9x/shopcheck/internal/config"
	"github.com/xkilldash9x/shopcheck/internal/interception"
	"github.com/xkilldash9x/shopcheck/internal/session"
)

const shutdownTimeout = 30 * time.Second

// Components holds every service a check run needs and owns their lifecycle.
type Components struct {
	Config   *config.Config
	Store    session.Store
	Sessions *session.Manager
	Rewriter *interception.Rewriter
	Browser  *browser.Manager
	API      *api.Client
	DBPool   *pgxpool.Pool

	logger *zap.Logger
}

// NewComponents wires the stack described by cfg. The browser itself only
// starts when the first tab is opened.
func NewComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{Config: cfg, logger: logger}

	store, pool, err := OpenStore(ctx, cfg.Session, logger)
	if err != nil {
		logger.Warn("Initialization failed.", zap.Error(err))
		return nil, err
	}
	c.Store, c.DBPool = store, pool

	c.Sessions = session.NewManager(store, logger)
	c.Rewriter = interception.NewRewriter(cfg.Interception, logger)
	c.Browser = browser.NewManager(cfg, logger)
	c.API = api.NewClient(cfg, logger)
	logger.Debug("Components initialized.", zap.String("session_store", cfg.Session.Store))
	return c, nil
}

// OpenStore returns the durable snapshot store for cfg, nil for the memory
// store. The pool is non-nil for postgres and must be closed by the caller.
func OpenStore(ctx context.Context, cfg config.SessionConfig, logger *zap.Logger) (session.Store, *pgxpool.Pool, error) {
	switch cfg.Store {
	case config.StoreMemory, "":
		return nil, nil, nil
	case config.StoreFile:
		fs, err := session.NewFileStore(cfg.CacheDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	case config.StorePostgres:
		pool, err := newPool(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		ps, err := session.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return ps, pool, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store: %s", cfg.Store)
	}
}

func newPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	return pool, nil
}

// Shutdown releases the browser and the database pool.
func (c *Components) Shutdown() {
	if c.Browser != nil {
		// The run context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Browser.Shutdown(ctx); err != nil {
			c.logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		}
	}
	if c.DBPool != nil {
		c.DBPool.Close()
		c.logger.Debug("Database connection pool closed.")
	}
}
