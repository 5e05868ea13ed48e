package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/threadsync/internal/api"
	"github.com/matheus3301/threadsync/internal/bus"
	"github.com/matheus3301/threadsync/internal/config"
	"github.com/matheus3301/threadsync/internal/docstore"
	"github.com/matheus3301/threadsync/internal/kv"
	"github.com/matheus3301/threadsync/internal/lock"
	"github.com/matheus3301/threadsync/internal/logging"
	"github.com/matheus3301/threadsync/internal/netmon"
	"github.com/matheus3301/threadsync/internal/outbox"
	"github.com/matheus3301/threadsync/internal/receipt"
	"github.com/matheus3301/threadsync/internal/reconnect"
	"github.com/matheus3301/threadsync/internal/session"
	"github.com/matheus3301/threadsync/internal/status"
	"github.com/matheus3301/threadsync/internal/store"
	"github.com/matheus3301/threadsync/internal/timeline"
	"github.com/matheus3301/threadsync/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.threadsync/config.toml
	MemberID    string // overrides member_id from config when set
	LogLevel    zapcore.Level
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
			provideDocuments,
			provideKV,
			provideNetwork,
			provideCoordinator,
			provideUploader,
			provideQueue,
			provideDrafts,
			provideMarker,
			provideUnread,
			provideTimeline,
			provideSyncService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if p.MemberID != "" {
		cfg.MemberID = p.MemberID
	}
	if err := session.ValidateMemberID(cfg.MemberID); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.LogLevel)
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

// provideStore depends on the lock so no second daemon touches the files.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DocumentsDBPath(p.SessionName)
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

func provideDocuments(db *store.DB, logger *zap.Logger) *docstore.Local {
	return docstore.NewLocal(db, logger.Named("docstore"))
}

func provideKV(p Params, _ *lock.Lock, logger *zap.Logger) (*kv.Bolt, error) {
	path := session.QueueDBPath(p.SessionName)
	b, err := kv.Open(path)
	if err != nil {
		return nil, err
	}
	logger.Info("queue store initialized", zap.String("path", path))
	return b, nil
}

// network is the configured connectivity source. Exactly one of manual and
// prober is set.
type network struct {
	monitor netmon.Monitor
	manual  *netmon.Manual
	prober  *netmon.Prober
}

func provideNetwork(cfg *config.Config, logger *zap.Logger) *network {
	if cfg.Network.Mode == config.NetworkManual {
		m := netmon.NewManual(netmon.State{IsConnected: true})
		return &network{monitor: m, manual: m}
	}
	pr := netmon.NewProber(cfg.Network.ProbeAddr, cfg.Network.ProbeInterval, logger.Named("netmon"))
	return &network{monitor: pr, prober: pr}
}

func provideCoordinator(docs *docstore.Local, n *network, cfg *config.Config, m *status.Machine, b *bus.Bus, logger *zap.Logger) *reconnect.Coordinator {
	return reconnect.New(docs, n.monitor, reconnect.Options{
		RetryDelay: cfg.Reconnect.RetryDelay,
		Machine:    m,
		Bus:        b,
		Logger:     logger.Named("reconnect"),
	})
}

func provideUploader(p Params) outbox.Uploader {
	return newFileUploader(session.MediaDir(p.SessionName))
}

func provideQueue(store *kv.Bolt, docs *docstore.Local, coord *reconnect.Coordinator, up outbox.Uploader, cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*outbox.Queue, error) {
	q := outbox.New(store, docs, coord, outbox.Options{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		FlushInterval: cfg.Queue.FlushInterval,
		Uploader:      up,
		Bus:           b,
		Logger:        logger.Named("outbox"),
	})
	if err := q.Load(); err != nil {
		return nil, fmt.Errorf("load send queue: %w", err)
	}
	logger.Info("send queue loaded", zap.Int("pending", len(q.Pending(""))))
	return q, nil
}

func provideDrafts(store *kv.Bolt) *outbox.Drafts {
	return outbox.NewDrafts(store)
}

func provideMarker(docs *docstore.Local, store *kv.Bolt, coord *reconnect.Coordinator, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *receipt.Marker {
	return receipt.New(docs, store, coord, receipt.Options{
		Self:   cfg.MemberID,
		Bus:    b,
		Logger: logger.Named("receipt"),
	})
}

func provideUnread(docs *docstore.Local, logger *zap.Logger) *unread.Engine {
	return unread.New(docs, logger.Named("unread"))
}

func provideTimeline(docs *docstore.Local, q *outbox.Queue, b *bus.Bus, logger *zap.Logger) *timeline.Service {
	return timeline.New(docs, q, b, logger.Named("timeline"))
}

type serviceDeps struct {
	fx.In

	Params      Params
	Config      *config.Config
	Docs        *docstore.Local
	Queue       *outbox.Queue
	Drafts      *outbox.Drafts
	Marker      *receipt.Marker
	Coordinator *reconnect.Coordinator
	Machine     *status.Machine
	Unread      *unread.Engine
	Timeline    *timeline.Service
	Network     *network
}

func provideSyncService(d serviceDeps) *api.SyncService {
	return api.NewSyncService(api.Components{
		Docs:        d.Docs,
		Queue:       d.Queue,
		Drafts:      d.Drafts,
		Marker:      d.Marker,
		Coordinator: d.Coordinator,
		Machine:     d.Machine,
		Unread:      d.Unread,
		Timeline:    d.Timeline,
		Manual:      d.Network.manual,
	}, d.Config.MemberID, d.Params.SessionName)
}

type lifecycleDeps struct {
	fx.In

	Server      *Server
	Lock        *lock.Lock
	DB          *store.DB
	KV          *kv.Bolt
	Network     *network
	Coordinator *reconnect.Coordinator
	Queue       *outbox.Queue
	Marker      *receipt.Marker
	Bus         *bus.Bus
	Logger      *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var cancel context.CancelFunc
	var events *eventLog
	logger := d.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			events = startEventLog(ctx, d.Bus, logger)

			d.Coordinator.AddFlusher("outbox", d.Queue.Flush)
			d.Coordinator.AddFlusher("receipts", d.Marker.Flush)

			// The prober publishes its first state before the coordinator
			// subscribes; Subscribe replays it.
			if d.Network.prober != nil {
				go d.Network.prober.Run(ctx)
			}
			d.Coordinator.Start(ctx)
			d.Queue.Start(ctx)

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			d.Queue.Stop()
			d.Coordinator.Stop()
			if cancel != nil {
				cancel()
			}
			events.wait()
			if err := d.KV.Close(); err != nil {
				logger.Warn("error closing queue store", zap.Error(err))
			}
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
