package app

import (
	"fmt"

	"github.com/jonboulle/clockwork"

	"vpnward/internal/clients"
	"vpnward/internal/config"
	"vpnward/internal/engine"
	"vpnward/internal/expiry"
	"vpnward/internal/metrics"
	"vpnward/internal/pki"
	"vpnward/internal/session"
	"vpnward/internal/status"
	"vpnward/internal/storage"
	"vpnward/internal/storage/sqlite"
)

// App represents the application context
type App struct {
	Config     *config.Config
	Storage    storage.Storage
	Source     *status.FileSource
	PKI        *pki.EasyRSA
	Reconciler *session.Reconciler
	Scheduler  *expiry.Scheduler
	Engine     *engine.Engine
	Query      *engine.Query
	Clients    *clients.Manager
}

// New wires every component from cfg. The expiry scheduler is created
// stopped; only serve starts it, so other commands persist schedules
// without arming jobs.
func New(cfg *config.Config) (*App, error) {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	clock := clockwork.NewRealClock()

	source := status.NewFileSource(status.FileSourceConfig{
		Path:    cfg.StatusFile,
		Timeout: cfg.SourceTimeout,
	})

	pkiConfig := pki.DefaultConfig()
	pkiConfig.Dir = cfg.EasyRSADir
	pkiConfig.CRLPath = cfg.CRLPath
	pkiConfig.ClientDir = cfg.ClientDir
	pkiConfig.ManagementAddr = cfg.ManagementAddr
	pkiConfig.PIDFile = cfg.PIDFile
	pkiConfig.Timeout = cfg.ToolTimeout
	credentials := pki.New(pkiConfig)

	reconciler := session.NewReconciler(store, source, clock, session.Config{
		MinSession: cfg.MinSession,
		Debug:      cfg.Debug(),
	})

	scheduler, err := expiry.NewScheduler(store, credentials, clock, expiry.Config{
		Workers: int64(cfg.RevokeWorkers),
		Timeout: 2*cfg.ToolTimeout + cfg.SourceTimeout,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize expiry scheduler: %w", err)
	}

	sampler := metrics.NewSampler(metrics.DefaultConfig(), clock, func() int {
		return len(reconciler.ActiveSessions())
	})

	eng := engine.New(store, reconciler, scheduler, sampler, clock, engine.Config{
		TickInterval:     cfg.TickInterval,
		ErrorBackoff:     cfg.ErrorBackoff,
		MetricsEvery:     cfg.MetricsEvery,
		SweepEvery:       cfg.SweepEvery,
		MetricsRetention: cfg.MetricsRetention,
	})

	return &App{
		Config:     cfg,
		Storage:    store,
		Source:     source,
		PKI:        credentials,
		Reconciler: reconciler,
		Scheduler:  scheduler,
		Engine:     eng,
		Query:      engine.NewQuery(store, scheduler, clock),
		Clients:    clients.NewManager(credentials, scheduler),
	}, nil
}

// Close closes the application and releases resources
func (a *App) Close() error {
	if a.Scheduler != nil && a.Scheduler.IsRunning() {
		if err := a.Scheduler.Stop(); err != nil {
			return err
		}
	}
	if a.Storage != nil {
		return a.Storage.Close()
	}
	return nil
}
