// Package daemon composes the engine's components into a running process.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/skip2/go-qrcode"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/chatwatch/chatwatch/internal/bridge"
	"github.com/chatwatch/chatwatch/internal/bus"
	"github.com/chatwatch/chatwatch/internal/config"
	"github.com/chatwatch/chatwatch/internal/datadir"
	"github.com/chatwatch/chatwatch/internal/governor"
	"github.com/chatwatch/chatwatch/internal/httpd"
	"github.com/chatwatch/chatwatch/internal/lock"
	"github.com/chatwatch/chatwatch/internal/logging"
	"github.com/chatwatch/chatwatch/internal/platform/wa"
	"github.com/chatwatch/chatwatch/internal/reconcile"
	"github.com/chatwatch/chatwatch/internal/scan"
	"github.com/chatwatch/chatwatch/internal/status"
	"github.com/chatwatch/chatwatch/internal/store"
)

// Params holds the resolved invocation options passed to the fx module.
type Params struct {
	DataDir string
	Addr    string // optional listen address override; empty = from config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideRegister,
			provideStateMachine,
			provideRegistry,
			provideAdapter,
			provideGovernor,
			provideReconciler,
			provideScanEngine,
			provideBridge,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := datadir.Ensure(p.DataDir); err != nil {
		return nil, err
	}
	return logging.New(datadir.LogPath(p.DataDir))
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(datadir.ConfigPath(p.DataDir))
	if err != nil {
		return nil, err
	}
	if p.Addr != "" {
		cfg.HTTP.Addr = p.Addr
	}
	logger.Info("configuration loaded", zap.String("addr", cfg.HTTP.Addr))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data directory lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data directory lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := datadir.DBPath(p.DataDir)
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

func provideRegister(p Params) (*status.Register, error) {
	return status.NewRegister(datadir.StatusPath(p.DataDir))
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideRegistry() *wa.Registry {
	return wa.NewRegistry()
}

func provideAdapter(p Params, registry *wa.Registry, b *bus.Bus, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), datadir.CredentialsDBPath(p.DataDir), registry, b, logger)
}

func provideGovernor(cfg *config.Config, logger *zap.Logger) *governor.Governor {
	return governor.New(governor.Options{
		MinDelay:          cfg.Rate.DelayBetweenRequests.Std(),
		MaxThrottleWait:   cfg.Rate.MaxThrottleWait.Std(),
		BackoffMultiplier: cfg.Rate.BackoffMultiplier,
		MaxAttempts:       cfg.Rate.MaxAttempts,
	}, logger)
}

func provideReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(db, b, logger)
}

func provideScanEngine(adapter *wa.Adapter, db *store.DB, rec *reconcile.Reconciler,
	gov *governor.Governor, machine *status.Machine, register *status.Register,
	cfg *config.Config, logger *zap.Logger) *scan.Engine {
	return scan.New(adapter, db, rec, gov, machine, register, cfg, logger)
}

func provideBridge(b *bus.Bus, rec *reconcile.Reconciler, cfg *config.Config, logger *zap.Logger) *bridge.Bridge {
	return bridge.New(b, rec, cfg.Monitor.Conversations, logger)
}

func provideServer(db *store.DB, b *bus.Bus, register *status.Register, machine *status.Machine,
	engine *scan.Engine, gov *governor.Governor, br *bridge.Bridge, logger *zap.Logger) *httpd.Server {
	return httpd.New(httpd.Deps{
		Store:    db,
		Bus:      b,
		Register: register,
		Machine:  machine,
		Engine:   engine,
		Governor: gov,
		Bridge:   br,
		Logger:   logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *httpd.Server, lk *lock.Lock, adapter *wa.Adapter,
	registry *wa.Registry, br *bridge.Bridge, b *bus.Bus, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			handler := wa.NewEventHandler(b, registry, logger)
			adapter.RegisterEventHandler(handler.Handle)

			if cfg.Monitor.Enabled {
				br.Start()
			}

			go func() {
				if err := srv.Start(cfg.HTTP.Addr); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			if adapter.IsLoggedIn() {
				go func() {
					if err := adapter.Connect(); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
					}
				}()
				return nil
			}

			logger.Info("no credentials found, starting QR pairing")
			go runQRAuth(adapter, logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if br.Running() {
				br.Stop()
			}
			adapter.Disconnect()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// runQRAuth drives the pairing flow, printing each QR code to the terminal.
func runQRAuth(adapter *wa.Adapter, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	events, err := adapter.StartQRAuth(ctx)
	if err != nil {
		logger.Error("start QR auth", zap.Error(err))
		return
	}
	for evt := range events {
		switch evt.Type {
		case wa.AuthEventQRCode:
			ascii, qerr := qrcode.New(evt.QRCode, qrcode.Medium)
			if qerr != nil {
				logger.Error("render QR code", zap.Error(qerr))
				continue
			}
			fmt.Println("Scan this QR code with the WhatsApp app:")
			fmt.Println(ascii.ToSmallString(false))
		case wa.AuthEventAuthenticated:
			logger.Info("pairing complete")
		case wa.AuthEventTimeout:
			logger.Warn("QR pairing timed out; restart the daemon to retry")
		case wa.AuthEventAuthFailed:
			logger.Error("pairing failed", zap.String("reason", evt.Message))
		}
	}
}
