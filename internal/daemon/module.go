// Package daemon composes the sync engine of one user into an fx application
// served over a Unix socket.
package daemon

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/khushaldangi18/conversa/internal/api"
	"github.com/khushaldangi18/conversa/internal/audit"
	"github.com/khushaldangi18/conversa/internal/block"
	"github.com/khushaldangi18/conversa/internal/bus"
	"github.com/khushaldangi18/conversa/internal/chatlist"
	"github.com/khushaldangi18/conversa/internal/config"
	"github.com/khushaldangi18/conversa/internal/contacts"
	"github.com/khushaldangi18/conversa/internal/conversation"
	"github.com/khushaldangi18/conversa/internal/lock"
	"github.com/khushaldangi18/conversa/internal/logging"
	"github.com/khushaldangi18/conversa/internal/media"
	"github.com/khushaldangi18/conversa/internal/presence"
	"github.com/khushaldangi18/conversa/internal/profile"
	"github.com/khushaldangi18/conversa/internal/remote"
	"github.com/khushaldangi18/conversa/internal/status"
	"github.com/khushaldangi18/conversa/internal/store"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use config
	LogLevel   zapcore.Level
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideBlobs,
			providePresenceBackend,
			provideTracker,
			provideProfileCache,
			provideProfileEditor,
			provideMediaCache,
			provideRegistry,
			provideSyncer,
			provideContacts,
			providePublisher,
			provideForwarder,
			provideService,
			NewServer,
			NewOpsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.LogPath(), p.Config.UserID, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := p.Config.EnsureDirs(); err != nil {
		return nil, err
	}
	logger.Info("acquiring user lock", zap.String("user_id", p.Config.UserID))
	l, err := lock.Acquire(p.Config.UserDir(), p.Config.UserID)
	if err != nil {
		return nil, err
	}
	logger.Info("user lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by its owner.
func provideStore(p Params, logger *zap.Logger, _ *lock.Lock) (*store.DB, error) {
	dbPath := p.Config.DBPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	db.SetLogger(logger)
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

func provideRemote(db *store.DB) remote.Store {
	return db
}

func provideBlobs(db *store.DB) remote.BlobStore {
	return db
}

func providePresenceBackend(lc fx.Lifecycle, p Params, logger *zap.Logger) (presence.Backend, error) {
	cfg := p.Config.Presence
	switch cfg.Backend {
	case config.PresenceMemory:
		return presence.NewMemoryBackend(), nil
	case config.PresenceRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		backend := presence.NewRedisBackend(rdb, cfg.LeaseTTL.Duration, logger)
		sweepCtx, stopSweep := context.WithCancel(context.Background())
		swept := make(chan struct{})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					defer close(swept)
					backend.RunSweeper(sweepCtx)
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				stopSweep()
				<-swept
				return rdb.Close()
			},
		})
		logger.Info("presence backend", zap.String("backend", "redis"), zap.String("addr", cfg.RedisAddr))
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown presence backend %q", cfg.Backend)
	}
}

func provideTracker(backend presence.Backend, m *status.Machine, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(backend, m, logger)
}

func provideProfileCache(p Params, st remote.Store, logger *zap.Logger) *profile.Cache {
	return profile.NewCache(st, p.Config.Profile.FetchTimeout.Duration, logger)
}

func provideProfileEditor(st remote.Store, blobs remote.BlobStore, cache *profile.Cache, logger *zap.Logger) *profile.Editor {
	return profile.NewEditor(st, blobs, cache, logger)
}

func provideMediaCache(p Params, blobs remote.BlobStore, logger *zap.Logger) (*media.Cache, error) {
	return media.NewCache(blobs, p.Config.Media.MaxEntries, p.Config.Media.MaxBytes, logger)
}

func provideRegistry(st remote.Store, b *bus.Bus, logger *zap.Logger) *block.Registry {
	return block.NewRegistry(st, b, logger)
}

func provideSyncer(p Params, st remote.Store, cache *profile.Cache, reg *block.Registry, b *bus.Bus, logger *zap.Logger) *chatlist.Syncer {
	return chatlist.NewSyncer(p.Config.UserID, st, cache, reg, b, logger)
}

func provideContacts(st remote.Store, b *bus.Bus, logger *zap.Logger) *contacts.Service {
	navigate := func(chatID string) {
		b.Emit(bus.KindChatNavigate, bus.ChatRef{ChatID: chatID})
	}
	return contacts.NewService(st, b, navigate, logger)
}

func providePublisher(p Params, logger *zap.Logger) audit.Publisher {
	return audit.NewPublisher(p.Config.Audit.AMQPURL, p.Config.Audit.Exchange, logger)
}

func provideForwarder(p Params, b *bus.Bus, pub audit.Publisher, logger *zap.Logger) *audit.Forwarder {
	return audit.NewForwarder(p.Config.UserID, b, pub, logger)
}

type serviceParams struct {
	fx.In

	Params   Params
	Store    remote.Store
	Blobs    remote.BlobStore
	Bus      *bus.Bus
	Syncer   *chatlist.Syncer
	Registry *block.Registry
	Contacts *contacts.Service
	Tracker  *presence.Tracker
	Media    *media.Cache
	Editor   *profile.Editor
	Logger   *zap.Logger
}

func provideService(sp serviceParams) *api.Service {
	cfg := sp.Params.Config
	return api.NewService(api.Deps{
		UserID:   cfg.UserID,
		Store:    sp.Store,
		Blobs:    sp.Blobs,
		Bus:      sp.Bus,
		Chats:    sp.Syncer,
		Blocks:   sp.Registry,
		Contacts: sp.Contacts,
		Presence: sp.Tracker,
		Media:    sp.Media,
		Profiles: sp.Editor,
		Chat: conversation.Options{
			Window:        cfg.Chat.MessageWindow,
			SweepInterval: cfg.Chat.SweepInterval.Duration,
		},
		Logger: sp.Logger,
	})
}

type lifecycleParams struct {
	fx.In

	Lock      *lock.Lock
	Params    Params
	DB        *store.DB
	Tracker   *presence.Tracker
	Registry  *block.Registry
	Syncer    *chatlist.Syncer
	Publisher audit.Publisher
	Forwarder *audit.Forwarder
	Service   *api.Service
	Server    *Server
	Ops       *OpsServer
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	uid := lp.Params.Config.UserID
	logger := lp.Logger

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Presence is best effort: the engine works offline.
			if err := lp.Tracker.SetupPresence(ctx, uid); err != nil {
				logger.Warn("presence setup failed", zap.Error(err))
			}

			if err := lp.Registry.Watch(context.Background(), uid); err != nil {
				return fmt.Errorf("watch block lists: %w", err)
			}
			if err := lp.Syncer.Start(context.Background()); err != nil {
				lp.Registry.Stop()
				return fmt.Errorf("start chat list: %w", err)
			}
			lp.Forwarder.Start(context.Background())
			logger.Info("audit publisher ready", zap.String("mode", audit.Mode(lp.Publisher)))

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			go func() {
				if err := lp.Ops.Start(); err != nil {
					logger.Error("ops http error", zap.Error(err))
				}
			}()
			lp.Server.SetServing(true)
			logger.Info("daemon started", zap.String("socket", lp.Server.SocketPath()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			lp.Server.SetServing(false)
			if err := lp.Ops.Stop(ctx); err != nil {
				logger.Warn("error stopping ops http", zap.Error(err))
			}
			lp.Service.Close()
			lp.Server.Stop(ctx)
			lp.Forwarder.Stop()
			lp.Syncer.Stop()
			lp.Registry.Stop()
			if err := lp.Tracker.CleanupPresence(ctx); err != nil {
				logger.Warn("presence cleanup failed", zap.Error(err))
			}
			if err := lp.Publisher.Close(); err != nil {
				logger.Warn("error closing audit publisher", zap.Error(err))
			}
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
