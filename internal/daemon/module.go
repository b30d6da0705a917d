// Package daemon assembles the sync core for one profile with fx and serves
// the control API on the profile's Unix socket.
package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/control"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/sessions"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/stream"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// startTimeout bounds the initial live connection attempt at boot.
const startTimeout = 30 * time.Second

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = resolve from config.toml and env
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
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
			provideCredentials,
			provideBackend,
			provideStreamClient,
			provideTimeline,
			provideSessions,
			provideEngine,
			provideLiveManager,
			provideCoordinator,
			providePersister,
			provideReconciler,
			provideChat,
			provideAccount,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.Resolve(profile.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the cache is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CachePath(p.Profile)
	db, res, err := openCache(dbPath)
	if errors.Is(err, store.ErrDirtySchema) {
		logger.Warn("cache schema is dirty, rebuilding cache", zap.String("path", dbPath), zap.Error(err))
		if err := store.RemoveFiles(dbPath); err != nil {
			return nil, err
		}
		db, res, err = openCache(dbPath)
	}
	if err != nil {
		return nil, err
	}
	if res.Changed() {
		logger.Info("cache schema upgraded", zap.Uint("from", res.From), zap.Uint("to", res.To))
	} else {
		logger.Info("cache schema up to date", zap.Uint("version", res.To))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// openCache opens and migrates the cache. On failure the database is closed.
func openCache(path string) (*store.DB, store.SchemaResult, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, store.SchemaResult{}, err
	}
	res, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, res, err
	}
	return db, res, nil
}

func provideCredentials(p Params, b *bus.Bus, logger *zap.Logger) (*auth.Credentials, error) {
	return auth.Load(profile.TokenPath(p.Profile), b, logger)
}

func provideBackend(cfg *config.Config, creds *auth.Credentials, logger *zap.Logger) *backend.Client {
	return backend.New(cfg.Server.APIBaseURL, creds, cfg.Server.RequestTimeout.Std(), logger)
}

func provideStreamClient(cfg *config.Config, creds *auth.Credentials, logger *zap.Logger) *stream.Client {
	return stream.NewClient(cfg.StreamURL(), creds, logger)
}

func provideTimeline(b *bus.Bus) *timeline.Store {
	return timeline.New(b)
}

func provideSessions(cfg *config.Config, creds *auth.Credentials, b *bus.Bus) *sessions.Store {
	viewer := cfg.ViewerID
	if viewer == "" {
		viewer = creds.Subject()
	}
	return sessions.New(viewer, b)
}

func provideEngine(tl *timeline.Store, ss *sessions.Store, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(tl, ss, logger)
}

func provideLiveManager(cfg *config.Config, creds *auth.Credentials, machine *status.Machine, engine *intsync.Engine, logger *zap.Logger) *live.Manager {
	dialer := live.NewHubDialer(cfg.Server.HubURL, creds, cfg.Live.Keepalive.Std(), logger)
	return live.NewManager(dialer, machine, engine.Handle, cfg.Delays(), logger)
}

func provideCoordinator(tl *timeline.Store, mgr *live.Manager, be *backend.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Coordinator {
	return outbox.NewCoordinator(tl, mgr, be, db, b, logger)
}

func providePersister(db *store.DB, tl *timeline.Store, ss *sessions.Store, b *bus.Bus, logger *zap.Logger) *intsync.Persister {
	return intsync.NewPersister(db, tl, ss, b, logger)
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger)
}

func provideChat(
	be *backend.Client,
	mgr *live.Manager,
	coord *outbox.Coordinator,
	sc *stream.Client,
	tl *timeline.Store,
	ss *sessions.Store,
	rec *intsync.Reconciler,
	db *store.DB,
	b *bus.Bus,
	logger *zap.Logger,
) *chat.Client {
	return chat.New(chat.Deps{
		Backend:     be,
		Live:        mgr,
		Outbox:      coord,
		Streamer:    sc,
		Timeline:    tl,
		Sessions:    ss,
		Checkpoints: rec,
		Searcher:    db,
		Bus:         b,
		Logger:      logger,
	})
}

func provideAccount(cfg *config.Config, creds *auth.Credentials, mgr *live.Manager, c *chat.Client, ss *sessions.Store, db *store.DB, logger *zap.Logger) *Account {
	return &Account{
		creds:    creds,
		manager:  mgr,
		chat:     c,
		sessions: ss,
		db:       db,
		viewerID: cfg.ViewerID,
		logger:   logger,
	}
}

func provideControlService(p Params, c *chat.Client, a *Account, logger *zap.Logger) *control.Service {
	return control.NewService(p.Profile, c, a, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	creds *auth.Credentials,
	mgr *live.Manager,
	persister *intsync.Persister,
	rec *intsync.Reconciler,
	acct *Account,
	logger *zap.Logger,
) {
	var bootCancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := persister.Hydrate(); err != nil {
				logger.Warn("cache hydration failed", zap.Error(err))
			}
			persister.Start(context.Background())
			creds.OnInvalidated(acct.reset)
			if failed, err := db.FailedOutbox(); err == nil && len(failed) > 0 {
				logger.Info("failed sends awaiting retry", zap.Int("count", len(failed)))
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			// Joined as soon as the live channel comes up.
			if active := rec.ActiveSession(); active != "" {
				mgr.SetActiveSession(context.Background(), active)
			}

			switch {
			case creds.Valid(time.Now()):
				var ctx context.Context
				ctx, bootCancel = context.WithTimeout(context.Background(), startTimeout)
				go func() {
					defer bootCancel()
					if err := mgr.Start(ctx); err != nil {
						logger.Warn("live connection failed, REST only", zap.Error(err))
					}
				}()
			case creds.Token() != "":
				creds.Invalidate("token expired")
			default:
				logger.Info("no credentials found, login required")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if bootCancel != nil {
				bootCancel()
			}
			mgr.Stop()
			persister.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
