package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/rcsync/internal/bridge"
	"github.com/matheus3301/rcsync/internal/bus"
	"github.com/matheus3301/rcsync/internal/config"
	"github.com/matheus3301/rcsync/internal/lock"
	"github.com/matheus3301/rcsync/internal/logging"
	"github.com/matheus3301/rcsync/internal/remote"
	"github.com/matheus3301/rcsync/internal/scheduler"
	"github.com/matheus3301/rcsync/internal/session"
	"github.com/matheus3301/rcsync/internal/store"
	intsync "github.com/matheus3301/rcsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Remote      remote.Store    // optional; nil = no store configured yet
	Provider    bridge.Provider // optional; nil = no native provider wired
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideRemote,
			provideProvider,
			provideAdapter,
			provideScheduler,
			provideXmsHandler,
			provideChatHandler,
			provideSyncEngine,
			provideReconciler,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Info("no config file, using defaults", zap.Error(err))
		return config.Default()
	}
	return cfg
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
	dbPath := session.DBPath(p.SessionName)
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

func provideRemote(p Params, logger *zap.Logger) remote.Store {
	if p.Remote != nil {
		return p.Remote
	}
	logger.Info("no remote message store configured, uploads stay queued")
	return remote.Unavailable{}
}

func provideProvider(p Params, logger *zap.Logger) bridge.Provider {
	if p.Provider != nil {
		return p.Provider
	}
	logger.Info("no native provider wired, reconciliation sees an empty store")
	return bridge.EmptyProvider{}
}

func provideAdapter(b *bus.Bus, logger *zap.Logger) *bridge.Adapter {
	return bridge.NewAdapter(b, logger)
}

func provideScheduler(db *store.DB, rs remote.Store, b *bus.Bus, logger *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(db, rs, b, logger)
}

func provideXmsHandler(db *store.DB, b *bus.Bus, sched *scheduler.Scheduler, cfg *config.Config, logger *zap.Logger) *intsync.XmsEventHandler {
	settings := intsync.Settings{
		PushSms: cfg.Sync.PushSms,
		PushMms: cfg.Sync.PushMms,
	}
	return intsync.NewXmsHandler(db, b, sched, settings, logger)
}

func provideChatHandler(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.ChatEventHandler {
	return intsync.NewChatHandler(db, b, logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, xms *intsync.XmsEventHandler, chat *intsync.ChatEventHandler, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, xms, chat, logger)
}

func provideReconciler(db *store.DB, provider bridge.Provider, xms *intsync.XmsEventHandler, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, provider, xms, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, engine *intsync.Engine, sched *scheduler.Scheduler, rec *intsync.Reconciler, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start sync engine (subscribes to native.* bus events).
			engine.Start(context.Background())

			// Start the push/flag-report worker.
			sched.Start(context.Background())

			// Startup reconciliation plus the periodic drift sweep.
			rec.Start(context.Background(), time.Duration(cfg.Sync.IntervalSeconds)*time.Second)

			return nil
		},
		OnStop: func(context.Context) error {
			rec.Stop()
			sched.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
