package daemon

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"mentorchat/internal/archive"
	"mentorchat/internal/bus"
	"mentorchat/internal/channel"
	"mentorchat/internal/chat"
	"mentorchat/internal/config"
	"mentorchat/internal/ingest"
	"mentorchat/internal/lock"
	"mentorchat/internal/logging"
	"mentorchat/internal/session"
	"mentorchat/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the chat daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideCredentials,
			provideTransport,
			provideChannelManager,
			provideArchive,
			provideStore,
			provideEngine,
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

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no config file, using defaults")
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
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

func provideCredentials(p Params, logger *zap.Logger) (*session.Credentials, error) {
	creds, err := session.LoadCredentials(p.SessionName)
	if errors.Is(err, session.ErrNoCredentials) {
		// REST calls will go out unauthenticated and live channels stay shut
		// until credentials are stored via mentorchatctl login.
		logger.Warn("no credentials stored for session", zap.String("session", p.SessionName))
		return &session.Credentials{}, nil
	}
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func provideTransport(cfg *config.Config, creds *session.Credentials, logger *zap.Logger) *transport.Client {
	return transport.NewClient(cfg.APIBaseURL, func() string { return creds.Token }, logger)
}

func provideChannelManager(cfg *config.Config, creds *session.Credentials, b *bus.Bus, logger *zap.Logger) *channel.Manager {
	return channel.NewManager(channel.Config{
		BaseURL:     cfg.WSBaseURL,
		Enabled:     cfg.LiveEnabled(),
		MaxAttempts: cfg.MaxReconnectAttempts,
		Token:       func() string { return creds.Token },
	}, b, logger)
}

func provideArchive(p Params, logger *zap.Logger) (*archive.DB, error) {
	dbPath := session.ArchiveDBPath(p.SessionName)
	db, err := archive.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("archive migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("archive migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideStore(api *transport.Client, mgr *channel.Manager, b *bus.Bus, cfg *config.Config, creds *session.Credentials, logger *zap.Logger) *chat.Store {
	store := chat.NewStore(api, mgr, b, logger, creds.UserID, cfg.MessagesLimit)
	mgr.SetHandler(store)
	return store
}

func provideEngine(db *archive.DB, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, store *chat.Store, engine *ingest.Engine, db *archive.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Archive first so the initial list load is already mirrored.
			engine.Start(context.Background())

			go func() {
				if err := store.LoadConversations(context.Background()); err != nil {
					logger.Warn("initial conversation load failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			store.DisconnectAll()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
