// Package app wires the store, identity gateway, job runner and services
// into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/identity"
	"taskline/internal/jobs"
	"taskline/internal/migrate"
	"taskline/internal/notify"
	"taskline/internal/policy"
	"taskline/internal/realtime"
	"taskline/internal/reconcile"
	"taskline/internal/server"
	"taskline/internal/webhook"
)

// App holds the long-lived collaborators of a taskline process.
type App struct {
	Settings   config.Settings
	Config     *config.Config
	Conn       *db.Conn
	Logger     *zap.Logger
	Tokens     identity.TokenCodec
	Gateway    identity.Gateway
	Policy     *policy.Live
	Runner     *jobs.Runner
	Engine     engine.Engine
	Notify     *notify.Service
	Reconciler *reconcile.Service
	Webhooks   *webhook.Handler
	Hub        *realtime.Hub
}

// Build opens and migrates the store, loads the config file and registers
// every job kind. Close releases what Build acquired.
func Build(ctx context.Context, s config.Settings, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := config.LoadOptional(s.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(s.DSN)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Settings: s,
		Config:   cfg,
		Conn:     conn,
		Logger:   logger,
		Tokens:   identity.TokenCodec{Secret: s.JWTSecret},
		Policy:   policy.NewLive(cfg.PolicyTable()),
		Runner:   jobs.NewRunner(logger.Named("jobs")),
	}
	a.Gateway = a.newGateway()

	a.Notify = &notify.Service{Conn: conn, Logger: logger.Named("notify")}
	a.Hub = realtime.NewHub(a.Notify, logger.Named("realtime"))
	a.Notify.Listener = a.Hub

	a.Engine = engine.New(conn, cfg, a.Gateway, a.Runner, logger.Named("engine"))
	a.Engine.Policy = a.Policy
	a.Reconciler = &reconcile.Service{
		Conn:    conn,
		Repo:    a.Engine.Repo,
		Gateway: a.Gateway,
		Notify:  a.Notify,
		Jobs:    a.Runner,
		Logger:  logger.Named("reconcile"),
	}
	a.Webhooks = &webhook.Handler{
		Conn:       conn,
		Repo:       a.Engine.Repo,
		Reconciler: a.Reconciler,
		Jobs:       a.Runner,
		Logger:     logger.Named("webhook"),
	}
	a.registerJobs()
	return a, nil
}

func (a *App) newGateway() identity.Gateway {
	if strings.TrimSpace(a.Settings.IdentityURL) != "" {
		return identity.NewHTTPGateway(a.Settings.IdentityURL, a.Settings.IdentityAPIKey, a.Settings.WorkspaceID, a.Tokens, a.Logger.Named("identity"))
	}
	a.Logger.Info("no identity url configured, using the config directory")
	return SeedDirectory(identity.NewStaticGateway(a.Tokens), a.Config.Directory, a.Settings.WorkspaceID)
}

// SeedDirectory loads the config directory into g.
func SeedDirectory(g *identity.StaticGateway, d config.Directory, workspaceID string) *identity.StaticGateway {
	for _, c := range d.Companies {
		g.PutCompany(identity.Company{ID: c.ID, WorkspaceID: workspaceID, Name: c.Name})
	}
	for _, c := range d.Clients {
		g.PutClient(identity.Client{ID: c.ID, WorkspaceID: workspaceID, CompanyID: c.CompanyID, Email: c.Email, GivenName: c.Name})
	}
	for _, u := range d.InternalUsers {
		g.PutInternalUser(identity.InternalUser{ID: u.ID, WorkspaceID: workspaceID, Email: u.Email, GivenName: u.Name})
	}
	return g
}

func (a *App) registerJobs() {
	n := a.Config.Notifications
	retry := jobs.Retry{Attempts: n.RetryAttempts, Backoff: a.Config.RetryBackoff()}
	dispatcher := notify.Dispatcher{
		Repo:     a.Engine.Repo,
		Gateway:  a.Gateway,
		Targeter: notify.Targeter{Policy: a.Policy},
		Service:  a.Notify,
		Logger:   a.Logger.Named("dispatch"),
	}
	cleaner := webhook.Cleaner{Notify: a.Notify, Reassigner: a.Engine, Logger: a.Logger.Named("cleanup")}

	a.Runner.Register(jobs.KindSendNotifications, dispatcher.Handle, jobs.Options{
		ConcurrencyLimit: n.SendConcurrency,
		MaxDuration:      a.Config.SendMaxDuration(),
		Retry:            retry,
	})
	a.Runner.Register(jobs.KindRemoveTaskNotifications, a.Notify.HandleRemoveTask, jobs.Options{ConcurrencyLimit: 2, Retry: retry})
	a.Runner.Register(jobs.KindReconcileClient, a.Reconciler.HandleJob, jobs.Options{ConcurrencyLimit: 2, Retry: retry})
	a.Runner.Register(jobs.KindCleanupPrincipal, cleaner.Handle, jobs.Options{ConcurrencyLimit: 1, Retry: retry})
}

// Handler builds the REST API for this app.
func (a *App) Handler(basePath string) (http.Handler, error) {
	return server.New(server.Config{
		Engine:        a.Engine,
		Notify:        a.Notify,
		Reconciler:    a.Reconciler,
		Webhooks:      a.Webhooks,
		Hub:           a.Hub,
		WebhookSecret: a.Settings.WebhookSecret,
		BasePath:      basePath,
		Logger:        a.Logger.Named("http"),
	})
}

// WatchConfig reloads the policy table whenever the config file changes.
// An invalid edit is logged and the previous table stays in force.
func (a *App) WatchConfig() error {
	path := a.Settings.PolicyPath
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		a.reload(e.Name)
	})
	v.WatchConfig()
	return nil
}

func (a *App) reload(path string) {
	cfg, err := config.FromFile(path)
	if err != nil {
		a.Logger.Warn("config reload rejected", zap.String("path", path), zap.Error(err))
		return
	}
	a.Policy.Set(cfg.PolicyTable())
	a.Logger.Info("policy reloaded", zap.String("path", path), zap.Strings("roles", cfg.PolicyTable().Roles()))
}

// Close ends websocket streams, drains the runner and closes the store.
func (a *App) Close(ctx context.Context) error {
	a.Hub.Close()
	err := a.Runner.Close(ctx)
	if cerr := a.Conn.Close(); err == nil {
		err = cerr
	}
	return err
}
