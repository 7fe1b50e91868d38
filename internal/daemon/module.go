// Package daemon composes the cache daemon: config, logging, session lock,
// store, websocket transport, and the reconciliation engine, wired together
// with fx.
package daemon

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pvidal/gochat/internal/backend"
	"github.com/pvidal/gochat/internal/bus"
	"github.com/pvidal/gochat/internal/cache"
	"github.com/pvidal/gochat/internal/config"
	"github.com/pvidal/gochat/internal/lock"
	"github.com/pvidal/gochat/internal/logging"
	"github.com/pvidal/gochat/internal/session"
	"github.com/pvidal/gochat/internal/status"
	"github.com/pvidal/gochat/internal/store"
	intsync "github.com/pvidal/gochat/internal/sync"
	"github.com/pvidal/gochat/internal/ws"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCache,
			provideBackend,
			provideTransport,
			provideEngine,
			NewBridge,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		// First run: persist a default config so the user has a file to edit.
		cfg = &config.Config{}
		if err := config.Save(session.ConfigPath(), cfg); err != nil {
			return nil, err
		}
		return config.Load(session.ConfigPath())
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCache(db *store.DB, cfg *config.Config, logger *zap.Logger) *cache.Cache {
	return cache.New(db, cfg.Cache.MaxMessagesPerConversation, logger)
}

func provideBackend(cfg *config.Config, logger *zap.Logger) *backend.Client {
	return backend.New(cfg.Server.BaseURL, cfg.Server.Token, logger)
}

func provideTransport(cfg *config.Config, machine *status.Machine, logger *zap.Logger) *ws.Client {
	return ws.NewClient(ws.Options{
		URL:                  cfg.Server.WSURL,
		Token:                cfg.Server.Token,
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		ReconnectBase:        cfg.ReconnectBase(),
		ReconnectMax:         cfg.ReconnectMax(),
	}, machine, logger)
}

func provideEngine(c *cache.Cache, api *backend.Client, transport *ws.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(c, api, transport, b, cfg.Server.UserID, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, transport *ws.Client, engine *intsync.Engine, bridge *Bridge, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			bridge.Start()

			// Dial in the background; the client schedules its own bounded
			// retries and a cold start must not block the daemon.
			go func() {
				if err := transport.Connect(context.Background()); err != nil {
					logger.Warn("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			transport.Close()
			bridge.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
