package daemon

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/device"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	csync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// probeTimeout bounds a single connectivity probe dial.
const probeTimeout = 2 * time.Second

// Params holds the resolved device configuration passed to the fx module.
type Params struct {
	Device     string
	Config     config.Config
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideDB,
			provideQueue,
			provideMonitor,
			provideChatStore,
			provideLoader,
			provideEngine,
			provideDeliverer,
			provideReconciler,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(lc fx.Lifecycle, p Params) (*zap.Logger, error) {
	logger, closer, err := logging.New(device.LogPath(p.Device), p.Device, logging.Options{
		RotationTime: p.Config.Log.RotationTime.Duration,
		MaxAge:       p.Config.Log.MaxAge.Duration,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error {
		_ = logger.Sync()
		return closer.Close()
	}))
	return logger, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := device.EnsureDir(p.Device); err != nil {
		return nil, err
	}
	logger.Info("acquiring device lock", zap.String("device", p.Device))
	l, err := lock.Acquire(device.Dir(p.Device))
	if err != nil {
		return nil, err
	}
	logger.Info("device lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideDB depends on the lock so the database is only opened by its owner.
func provideDB(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := device.DBPath(p.Device)
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

func provideQueue(db *store.DB, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, logger)
}

// The monitor starts offline; the lifecycle switches it once probing starts.
func provideMonitor(b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(connectivity.Offline, b, logger)
}

func provideChatStore(p Params, q *outbox.Queue, m *connectivity.Monitor, db *store.DB, b *bus.Bus, logger *zap.Logger) *chat.Store {
	return chat.NewStore(chat.Options{
		UserID:       p.Config.UserID,
		Outbox:       q,
		Connectivity: m,
		DB:           db,
		Bus:          b,
		Logger:       logger.Named("store"),
	})
}

func provideLoader(p Params, s *chat.Store, b *bus.Bus, logger *zap.Logger) *history.Loader {
	w := p.Config.Window
	return history.NewLoader(s, w.Size, history.Sleep(w.FetchDelay.Duration), b, logger.Named("history"))
}

func provideEngine(s *chat.Store, b *bus.Bus, logger *zap.Logger) *csync.Engine {
	return csync.NewEngine(s, b, logger.Named("engine"))
}

func provideDeliverer(p Params, logger *zap.Logger) (csync.Deliverer, error) {
	d := p.Config.Delivery
	switch d.Mode {
	case config.DeliverySimulated:
		return delivery.NewSimulated(d.Delay.Duration, d.MaxTextLength, logger.Named("delivery")), nil
	case config.DeliveryRedis:
		client := delivery.NewRedisClient(d.RedisAddr)
		return delivery.NewRedisRelay(client, d.RedisChannelPrefix, d.MaxTextLength, logger.Named("delivery")), nil
	}
	return nil, fmt.Errorf("unknown delivery mode %q", d.Mode)
}

func provideReconciler(p Params, s *chat.Store, m *connectivity.Monitor, d csync.Deliverer, db *store.DB, b *bus.Bus, logger *zap.Logger) *csync.Reconciler {
	return csync.NewReconciler(s, m, d, db, b, logger.Named("reconciler"), p.Config.Reconciler.RetryInterval.Duration)
}

func provideService(p Params, s *chat.Store, db *store.DB, l *history.Loader, e *csync.Engine, m *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.Device, s, db, l, e, m, b, logger.Named("api"))
}

type lifecycleDeps struct {
	fx.In

	Params     Params
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Store      *chat.Store
	Monitor    *connectivity.Monitor
	Engine     *csync.Engine
	Reconciler *csync.Reconciler
	Deliverer  csync.Deliverer
	Bus        *bus.Bus
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var cancel context.CancelFunc
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			report, err := d.Store.Restore()
			if err != nil {
				return fmt.Errorf("restore store: %w", err)
			}
			d.Logger.Info("state restored",
				zap.Int("conversations", report.Conversations),
				zap.Int("pending", report.Pending))

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// Engine and reconciler subscribe before connectivity can change.
			d.Engine.Start(ctx)
			d.Reconciler.Start(ctx)

			if relay, ok := d.Deliverer.(*delivery.RedisRelay); ok {
				go func() {
					if err := relay.Listen(ctx, d.Bus, d.Store.UserID()); err != nil {
						d.Logger.Error("relay listener stopped", zap.Error(err))
					}
				}()
			}

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			conn := d.Params.Config.Connectivity
			if conn.ProbeAddr != "" {
				go func() {
					defer close(done)
					d.Monitor.Watch(ctx, connectivity.DialProbe(conn.ProbeAddr, probeTimeout), conn.ProbeInterval.Duration)
				}()
			} else {
				close(done)
				d.Monitor.Set(conn.AssumeOnline)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
				<-done
			}
			d.Reconciler.Stop()
			d.Engine.Stop()
			d.Server.Stop(ctx)
			if c, ok := d.Deliverer.(io.Closer); ok {
				_ = c.Close()
			}
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}
