package daemon

import (
	"context"
	"fmt"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/wppcrm/internal/ai"
	"github.com/matheus3301/wppcrm/internal/api"
	"github.com/matheus3301/wppcrm/internal/broker"
	"github.com/matheus3301/wppcrm/internal/bus"
	"github.com/matheus3301/wppcrm/internal/config"
	"github.com/matheus3301/wppcrm/internal/connection"
	"github.com/matheus3301/wppcrm/internal/lock"
	"github.com/matheus3301/wppcrm/internal/logging"
	"github.com/matheus3301/wppcrm/internal/media"
	"github.com/matheus3301/wppcrm/internal/objstore"
	"github.com/matheus3301/wppcrm/internal/queue"
	"github.com/matheus3301/wppcrm/internal/session"
	"github.com/matheus3301/wppcrm/internal/store"
	intsync "github.com/matheus3301/wppcrm/internal/sync"
	"github.com/matheus3301/wppcrm/internal/wa"
	"github.com/matheus3301/wppcrm/internal/worker"
)

// Params holds the resolved daemon configuration passed to the fx module.
type Params struct {
	DataDir    string
	SocketPath string // optional override for testing; empty = use default
	Config     *config.Config

	// Dial and Logger replace the whatsmeow dialer and the file logger; tests only.
	Dial   connection.DialFunc
	Logger *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideStore,
			provideKeystore,
			provideObjectStore,
			provideBus,
			provideQueue,
			provideBroker,
			provideEnqueuer,
			provideEngine,
			provideHistory,
			provideContacts,
			provideSweeper,
			provideMedia,
			provideDial,
			provideManager,
			provideResponder,
			provideWorkers,
			provideSessionService,
			provideMessageService,
			provideChatService,
			provideSyncService,
			api.NewJobService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	return p.Config
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.LogPath(p.DataDir), "crmd")
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.DataDir); err != nil {
		return nil, err
	}
	logger.Info("acquiring data directory lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data directory lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.DataDir)
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

func provideKeystore(p Params) *session.Keystore {
	return session.NewKeystore(session.KeystoreRoot(p.DataDir))
}

func provideObjectStore(p Params, cfg *config.Config, logger *zap.Logger) (objstore.Gateway, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case "", "fs":
		dir := sc.Dir
		if dir == "" {
			dir = session.MediaDir(p.DataDir)
		}
		logger.Info("using filesystem object storage", zap.String("dir", dir))
		return objstore.NewFS(dir, sc.PublicBaseURL)
	case "s3":
		logger.Info("using s3 object storage", zap.String("bucket", sc.Bucket), zap.String("endpoint", sc.Endpoint))
		return objstore.NewS3(context.Background(), objstore.S3Config{
			Bucket:        sc.Bucket,
			Region:        sc.Region,
			Endpoint:      sc.Endpoint,
			AccessKey:     sc.AccessKey,
			SecretKey:     sc.SecretKey,
			PathStyle:     sc.PathStyle,
			PublicBaseURL: sc.PublicBaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideQueue(logger *zap.Logger) *queue.Service {
	return queue.NewService(logger.Named("queue"))
}

// provideBroker connects to NATS, starting an embedded server first when
// no external one is configured.
func provideBroker(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*broker.Publisher, error) {
	url := cfg.Broker.URL
	var embedded *server.Server
	if cfg.Broker.Embedded || url == "" {
		s, err := broker.StartEmbedded("127.0.0.1", cfg.Broker.Port, logger)
		if err != nil {
			return nil, err
		}
		embedded = s
		url = s.ClientURL()
	}
	pub, err := broker.Connect(url, logger)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			if err := pub.Close(); err != nil {
				logger.Warn("error closing NATS connection", zap.Error(err))
			}
			if embedded != nil {
				embedded.Shutdown()
			}
			return nil
		},
	})
	return pub, nil
}

func provideEnqueuer(q *queue.Service) *worker.Enqueuer {
	return worker.NewEnqueuer(q)
}

func provideEngine(db *store.DB, b *bus.Bus, enq *worker.Enqueuer, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, enq, logger)
}

func provideHistory(db *store.DB, b *bus.Bus, enq *worker.Enqueuer, cfg *config.Config, logger *zap.Logger) *intsync.History {
	return intsync.NewHistory(db, b, enq, logger, cfg.Connection.HistoryGuard.Duration)
}

func provideContacts(db *store.DB, gw objstore.Gateway, b *bus.Bus, logger *zap.Logger) *intsync.Contacts {
	return intsync.NewContacts(db, gw, b, logger)
}

func provideSweeper(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Sweeper {
	return intsync.NewSweeper(db, b, logger)
}

func provideMedia(db *store.DB, gw objstore.Gateway, b *bus.Bus, logger *zap.Logger) *media.Pipeline {
	return media.NewPipeline(db, gw, b, logger)
}

func provideDial(p Params, logger *zap.Logger) connection.DialFunc {
	if p.Dial != nil {
		return p.Dial
	}
	return connection.WhatsApp(wa.NewDialer(logger))
}

type managerParams struct {
	fx.In

	DB       *store.DB
	Keystore *session.Keystore
	Dial     connection.DialFunc
	Bus      *bus.Bus
	Engine   *intsync.Engine
	History  *intsync.History
	Contacts *intsync.Contacts
	Sweeper  *intsync.Sweeper
	Config   *config.Config
	Logger   *zap.Logger
}

func provideManager(mp managerParams) *connection.Manager {
	cc := mp.Config.Connection
	return connection.NewManager(connection.Deps{
		DB:       mp.DB,
		Keystore: mp.Keystore,
		Dial:     mp.Dial,
		Bus:      mp.Bus,
		Engine:   mp.Engine,
		History:  mp.History,
		Contacts: mp.Contacts,
		Sweeper:  mp.Sweeper,
		Logger:   mp.Logger,
		Options: connection.Options{
			ReconnectDelay: cc.ReconnectDelay.Duration,
			ResumeWait:     cc.ResumeWait.Duration,
			PairingWait:    cc.PairingWait.Duration,
		},
	})
}

func provideResponder(cfg *config.Config, logger *zap.Logger) *ai.Responder {
	r := ai.NewResponder(ai.Config{
		APIKey:       cfg.AI.APIKey,
		BaseURL:      cfg.AI.BaseURL,
		Model:        cfg.AI.Model,
		SystemPrompt: cfg.AI.SystemPrompt,
	}, logger.Named("ai"))
	if !r.Enabled() {
		logger.Info("no OpenAI API key configured, auto replies disabled")
	}
	return r
}

type workerParams struct {
	fx.In

	DB        *store.DB
	Bus       *bus.Bus
	Queue     *queue.Service
	Enqueuer  *worker.Enqueuer
	Manager   *connection.Manager
	Media     *media.Pipeline
	Publisher *broker.Publisher
	AI        *ai.Responder
	Config    *config.Config
	Logger    *zap.Logger
}

func provideWorkers(wp workerParams) *worker.Workers {
	return worker.New(worker.Deps{
		DB:           wp.DB,
		Bus:          wp.Bus,
		Queue:        wp.Queue,
		Enqueuer:     wp.Enqueuer,
		Conns:        wp.Manager,
		Media:        wp.Media,
		Publisher:    wp.Publisher,
		AI:           wp.AI,
		AILimiter:    worker.PerMinute(wp.Config.AI.RequestsPerMinute),
		HistoryTurns: wp.Config.AI.HistoryTurns,
		Logger:       wp.Logger.Named("worker"),
	})
}

func provideSessionService(m *connection.Manager, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(m, db, b, cfg.DefaultRetentionDays, logger)
}

func provideMessageService(m *connection.Manager, enq *worker.Enqueuer, db *store.DB) *api.MessageService {
	return api.NewMessageService(m, enq, db)
}

func provideChatService(m *connection.Manager) *api.ChatService {
	return api.NewChatService(m)
}

func provideSyncService(m *connection.Manager) *api.SyncService {
	return api.NewSyncService(m)
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Server    *Server
	Lock      *lock.Lock
	DB        *store.DB
	Queue     *queue.Service
	Publisher *broker.Publisher
	Workers   *worker.Workers
	Manager   *connection.Manager
	Sweeper   *intsync.Sweeper
	Config    *config.Config
	Logger    *zap.Logger
}

func registerLifecycle(lp lifecycleParams) {
	logger := lp.Logger
	ctx, cancel := context.WithCancel(context.Background())
	lp.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := lp.Workers.Register(); err != nil {
				return err
			}
			lp.Queue.OnEvent(lp.Publisher.JobHook())
			lp.Queue.Start()

			// Start gRPC server in background.
			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Reconnect sessions that were live when the daemon last stopped.
			go func() {
				if err := lp.Manager.Restore(ctx); err != nil {
					logger.Error("failed to restore sessions", zap.Error(err))
				}
			}()

			if interval := lp.Config.Retention.SweepInterval.Duration; interval > 0 {
				go lp.Sweeper.Run(ctx, interval)
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			lp.Server.Stop(stopCtx)
			lp.Manager.Shutdown()
			lp.Queue.Stop()
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
