// Package daemon composes the chat core into a runnable instance
// daemon: one locked data directory, one SQLite store, one bus, and an
// HTTP surface exposing the WebSocket protocol.
package daemon

import (
	"context"
	"time"

	"github.com/taskora/chatcore/internal/api"
	"github.com/taskora/chatcore/internal/bus"
	"github.com/taskora/chatcore/internal/config"
	"github.com/taskora/chatcore/internal/lock"
	"github.com/taskora/chatcore/internal/logging"
	"github.com/taskora/chatcore/internal/session"
	"github.com/taskora/chatcore/internal/status"
	"github.com/taskora/chatcore/internal/store"
	"github.com/taskora/chatcore/internal/transport"
	"github.com/taskora/chatcore/internal/ws"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved instance configuration passed to the fx
// module.
type Params struct {
	Instance string
	// ListenAddr overrides the configured listen address; empty keeps
	// the config value.
	ListenAddr string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSubscriber,
			provideHub,
			provideCore,
			provideBridge,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Instance), p.Instance)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(session.ConfigPath(p.Instance))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Instance); err != nil {
		return nil, err
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(session.Dir(p.Instance))
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

func provideStore(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Instance)
	db, err := store.Open(dbPath, store.Options{Bus: b, MaxBodyLen: cfg.Messages.MaxBodyLen})
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

func provideSubscriber(cfg *config.Config, b *bus.Bus, machine *status.Machine, logger *zap.Logger) transport.Subscriber {
	return transport.NewResubscriber(
		transport.BusSource{Bus: b},
		machine,
		time.Duration(cfg.Messages.RetryBackoffMs)*time.Millisecond,
		3,
		logger,
	)
}

func provideHub() *ws.Hub {
	return ws.NewHub()
}

func provideCore(db *store.DB, subs transport.Subscriber, b *bus.Bus, cfg *config.Config, hub *ws.Hub, logger *zap.Logger) (*api.Core, error) {
	return api.New(api.Options{
		Store:      db,
		Subscriber: subs,
		Bus:        b,
		Config:     cfg,
		Logger:     logger,
		// A chat shows as online when some participant other than the
		// viewer holds an open daemon connection. The viewer's own
		// connection never counts; it is always open while they look.
		Online: func(chatID, viewerID string) bool {
			members, err := db.Participants(context.Background(), chatID)
			if err != nil {
				return false
			}
			peers := make([]string, 0, len(members))
			for _, m := range members {
				if m != viewerID {
					peers = append(peers, m)
				}
			}
			return hub.AnyConnected(peers)
		},
	})
}

func provideBridge(subs transport.Subscriber, hub *ws.Hub, logger *zap.Logger) *ws.Bridge {
	return ws.NewBridge(subs, hub, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, core *api.Core, bridge *ws.Bridge, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The bridge's first subscribe moves the connectivity
			// machine out of Booting.
			bridge.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			bridge.Stop()
			core.Close()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
