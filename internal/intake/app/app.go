// Package app wires the intake engine together: config, storage, identity
// provider, session controller, onboarding machine and the backup worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harbourhealth/intake/internal/intake/backend"
	"github.com/harbourhealth/intake/internal/intake/identity"
	"github.com/harbourhealth/intake/internal/intake/onboarding"
	"github.com/harbourhealth/intake/internal/intake/session"
	"github.com/harbourhealth/intake/internal/intake/store"
	"github.com/harbourhealth/intake/internal/intake/store/drivers/sqlite"
	"github.com/harbourhealth/intake/pkg/cryptox"
	"github.com/harbourhealth/intake/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application is the composed intake engine. It owns every long-lived
// component and shuts them down in reverse order of startup.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db       store.Store
	provider identity.Provider
	backend  *backend.Client

	controller *session.Controller
	machine    *onboarding.Machine
	gate       *onboarding.VerificationGate
	backup     *onboarding.BackupSync
}

// New creates an Application with all dependencies initialized. The
// database is opened and migrated; nothing background is started until Run.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "intake",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	if err := app.initProvider(); err != nil {
		_ = app.db.Close()
		return nil, err
	}
	app.initEngine()

	return app, nil
}

// Controller exposes the session controller to the embedding UI.
func (app *Application) Controller() *session.Controller { return app.controller }

// Machine exposes the onboarding state machine to the embedding UI.
func (app *Application) Machine() *onboarding.Machine { return app.machine }

// Gate exposes the verification gate to the embedding UI.
func (app *Application) Gate() *onboarding.VerificationGate { return app.gate }

// Run resumes any persisted session state, starts the backup worker and
// blocks until a shutdown signal arrives.
func (app *Application) Run() error {
	ctx := context.Background()

	// Restore the signed-in session, if one survived the restart. A dead
	// refresh token just means the user signs in again.
	if err := app.controller.Resume(ctx); err != nil {
		app.logger.Warn("session resume failed", "error", err)
	}
	if _, err := app.machine.Resume(ctx); err != nil && !errors.Is(err, onboarding.ErrNoSession) {
		app.logger.Warn("onboarding resume failed", "error", err)
	}

	app.backup.Start()
	app.logger.Info("intake engine started", "version", BuildVersion)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	app.logger.Info("shutdown signal received", "signal", sig)
	return app.Shutdown()
}

// Shutdown stops background work and closes the database. The backup
// worker gets the configured grace period to finish an in-flight push;
// after that the database is closed out from under it.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down intake engine...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	app.controller.Scheduler().Disarm()

	stopped := make(chan struct{})
	go func() {
		app.backup.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		app.logger.Warn("backup worker did not stop within the grace period")
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("intake engine stopped")
	return nil
}

// initDatabase opens the encrypted profile store and applies migrations.
func (app *Application) initDatabase() error {
	sealer, err := cryptox.NewSealer(app.cfg.ProfileKeyFile)
	if err != nil {
		return fmt.Errorf("failed to initialize profile key: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(dsn, sealer)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initProvider selects the identity provider from config.
func (app *Application) initProvider() error {
	switch app.cfg.IdentityMode {
	case "dev":
		app.provider = identity.NewDevProvider()
	case "http":
		if app.cfg.IdentityBaseURL == "" {
			return errors.New("INTAKE_IDENTITY_URL is required in http identity mode")
		}
		app.provider = identity.NewHTTPProvider(app.cfg.IdentityBaseURL)
	default:
		return fmt.Errorf("unknown identity mode %q", app.cfg.IdentityMode)
	}
	return nil
}

// initEngine wires the session and onboarding components together.
func (app *Application) initEngine() {
	sched := session.NewRefreshScheduler(app.logger)
	sched.Margin = app.cfg.RefreshMargin
	sched.MinDelay = app.cfg.MinRefreshDelay

	app.controller = session.NewController(
		app.provider,
		app.db,
		sched,
		session.NewBroadcaster(),
		app.logger,
	)

	app.backend = backend.New(app.cfg.BackendBaseURL, app.controller)

	app.machine = onboarding.NewMachine(app.db.Onboarding(), app.backend, app.logger)
	if app.cfg.TotalSteps > 0 {
		app.machine.TotalSteps = app.cfg.TotalSteps
	}

	app.gate = onboarding.NewVerificationGate(app.machine, app.provider, app.backend, app.logger)

	app.backup = onboarding.NewBackupSync(app.machine, app.backend, app.logger, app.cfg.BackupInterval)
	app.machine.Backup = app.backup
}
