package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mercor/internal/artifacts"
	"github.com/ternarybob/mercor/internal/browser"
	"github.com/ternarybob/mercor/internal/common"
	"github.com/ternarybob/mercor/internal/dispatch"
	"github.com/ternarybob/mercor/internal/handlers"
	"github.com/ternarybob/mercor/internal/models"
	"github.com/ternarybob/mercor/internal/retailers"
	"github.com/ternarybob/mercor/internal/storage/badger"
	"github.com/ternarybob/mercor/internal/storage/sqlite"

	maint "github.com/ternarybob/mercor/internal/maintenance"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	StorageManager  *sqlite.Manager
	BadgerDB        *badger.BadgerDB
	ArtifactService *artifacts.Service

	// Browser and dispatch
	Session     *browser.Session
	Registry    *retailers.Registry
	Dispatcher  *dispatch.Dispatcher
	Maintenance *maint.Scheduler

	// Handlers
	JobHandler      *handlers.JobHandler
	UnblockHandler  *handlers.UnblockHandler
	KVHandler       *handlers.KVHandler
	StatusHandler   *handlers.StatusHandler
	ArtifactHandler *handlers.ArtifactHandler
	WSHandler       *handlers.WebSocketHandler
}

// sessionAdapter narrows *browser.Session to the dispatcher's Session
// interface; the concrete StartCapture return type needs the shim.
type sessionAdapter struct {
	*browser.Session
}

func (a sessionAdapter) StartCapture() dispatch.ResponseCapture {
	return a.Session.StartCapture()
}

// New creates the application and wires all components together
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := app.initStorage(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initRetailers(); err != nil {
		app.closeStorage()
		cancel()
		return nil, fmt.Errorf("failed to initialize retailers: %w", err)
	}

	app.Session = browser.NewSession(&cfg.Browser, logger)

	app.initHandlers()

	app.Dispatcher = dispatch.New(
		cfg,
		app.StorageManager.JobStorage(),
		app.StorageManager.UnblockStorage(),
		app.Registry,
		sessionAdapter{app.Session},
		app.ArtifactService,
		app.WSHandler,
		logger,
	)

	app.Maintenance = maint.New(&cfg.Maintenance, app.StorageManager.JobStorage(), app.ArtifactService, logger)

	logger.Info().
		Str("browser_endpoint", cfg.Browser.Endpoint).
		Int("retailers", len(app.Registry.Names())).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens the job store and the artifact index
func (a *App) initStorage() error {
	manager, err := sqlite.NewManager(a.Logger, &a.Config.Storage.SQLite)
	if err != nil {
		return err
	}
	a.StorageManager = manager

	if err := a.seedDefaults(); err != nil {
		return err
	}

	badgerDB, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.BadgerDB = badgerDB

	index := badger.NewArtifactStorage(badgerDB, a.Logger)
	a.ArtifactService = artifacts.NewService(index, a.Config.Storage.ArtifactsDir, a.Logger)
	return nil
}

// seedDefaults writes default KV values that are not present yet
func (a *App) seedDefaults() error {
	kv := a.StorageManager.KVStorage()
	for _, def := range common.GetDefaultKVValues() {
		_, err := kv.Get(a.ctx, def.Key)
		if errors.Is(err, models.ErrNotFound) {
			if err := kv.Set(a.ctx, def.Key, def.Value, def.Description); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// initRetailers loads the catalog and registers a strategy per enabled entry
func (a *App) initRetailers() error {
	a.Registry = retailers.NewRegistry(a.Logger)

	defs := []retailers.RetailerDef{}
	if a.Config.Retailers.Catalog != "" {
		catalog, err := retailers.LoadCatalog(a.Config.Retailers.Catalog)
		if err != nil {
			return err
		}
		defs = catalog.Enabled()
	} else {
		storeURL, err := a.StorageManager.KVStorage().Get(a.ctx, models.KeyStoreURL)
		if err != nil {
			return fmt.Errorf("no retailer catalog and no store_url fallback: %w", err)
		}
		defs = append(defs, retailers.RetailerDef{Name: "leclerc", StoreURL: storeURL, Enabled: true})
	}

	for _, def := range defs {
		switch strings.ToLower(def.Name) {
		case "leclerc":
			a.Registry.Register(retailers.NewLeclercStrategy(def.StoreURL, a.Logger))
		default:
			a.Logger.Warn().Str("retailer", def.Name).Msg("No strategy for catalog entry, skipping")
		}
	}

	if len(a.Registry.Names()) == 0 {
		return fmt.Errorf("no retailer strategies registered")
	}
	return nil
}

func (a *App) initHandlers() {
	a.WSHandler = handlers.NewWebSocketHandler(&a.Config.WebSocket, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.StorageManager.JobStorage(), a.Registry, a.Logger)
	a.UnblockHandler = handlers.NewUnblockHandler(a.StorageManager.UnblockStorage(), a.Logger)
	a.KVHandler = handlers.NewKVHandler(a.StorageManager.KVStorage(), a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Config, a.StorageManager, a.Logger)
	a.ArtifactHandler = handlers.NewArtifactHandler(a.ArtifactService, a.Logger)
}

// Start launches the dispatcher and the maintenance scheduler
func (a *App) Start() error {
	common.SafeGoWithContext(a.ctx, a.Logger, "dispatcher", func() {
		// Restore cookies from the previous run before processing jobs.
		// Best effort: a cold session just starts without them.
		restoreCtx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
		if err := a.Session.LoadState(restoreCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("Session state not restored")
		}
		cancel()

		if err := a.Dispatcher.Run(a.ctx); err != nil {
			a.Logger.Error().Err(err).Msg("Dispatcher exited")
		}
	})

	if err := a.Maintenance.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}

	a.WSHandler.StartStatusBroadcaster(a.ctx, a.statusFrame)

	return nil
}

// statusFrame assembles the periodic status broadcast payload
func (a *App) statusFrame() handlers.StatusUpdate {
	ctx, cancel := context.WithTimeout(a.ctx, 2*time.Second)
	defer cancel()

	status := handlers.StatusUpdate{Service: "ONLINE", Database: "CONNECTED"}

	if err := a.StorageManager.Ping(ctx); err != nil {
		status.Database = "ERROR"
	}
	if counts, err := a.StorageManager.JobStorage().CountByStatus(ctx); err == nil {
		status.QueuedJobs = counts[models.JobStatusQueued]
		status.RunningJobs = counts[models.JobStatusRunning]
		status.BlockedJobs = counts[models.JobStatusBlocked]
	}
	if state, err := a.StorageManager.UnblockStorage().GetActive(ctx); err == nil && state != nil {
		status.UnblockActive = true
	}

	return status
}

// Close shuts down all components in reverse dependency order
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
		time.Sleep(100 * time.Millisecond)
	}

	if a.Maintenance != nil {
		a.Maintenance.Stop()
	}

	if a.Session != nil {
		// Preserve cookies for the next run, then detach
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Session.SaveState(saveCtx); err != nil {
			a.Logger.Debug().Err(err).Msg("Session state not saved")
		}
		cancel()
		a.Session.Close()
	}

	a.closeStorage()

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}

func (a *App) closeStorage() {
	if a.BadgerDB != nil {
		if err := a.BadgerDB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close artifact index")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close job store")
		}
	}
}
