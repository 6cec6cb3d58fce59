// Package app wires configuration, state storage and services into the
// running relay.
package app

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"visitrelay/internal/config"
	"visitrelay/internal/dbclient"
	"visitrelay/internal/etl"
	"visitrelay/internal/etl/sources"
	"visitrelay/internal/routing"
	"visitrelay/internal/secret"
	"visitrelay/internal/service"
	"visitrelay/internal/storage"
	"visitrelay/internal/visit"
)

// DefaultJobName names the configured poll of the source views.
const DefaultJobName = "default"

// App owns the state database and the services built on it.
type App struct {
	cfg *config.Config
	log *zap.Logger

	db         *storage.DB
	relayStore *storage.RelayStore
	ledger     *storage.SentLedger
	events     *storage.WebhookEventStore
	approvals  *storage.ApprovalStore
	profiles   *storage.DBConnectionStore
	secrets    secret.SecretStore

	routing   *routing.Client
	builder   *visit.Builder
	validator *etl.PayloadValidator
	health    *service.Health
	emitter   service.EventEmitter

	relay  *service.RelayService
	status *service.StatusService
}

// Option adjusts an App before its services are built.
type Option func(*App)

// WithSecrets replaces the environment secret store.
func WithSecrets(s secret.SecretStore) Option {
	return func(a *App) { a.secrets = s }
}

// WithEmitter replaces the logging event emitter.
func WithEmitter(e service.EventEmitter) Option {
	return func(a *App) { a.emitter = e }
}

// New opens the state database and builds the services from cfg.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, log: logger, secrets: secret.EnvStore{}}
	a.emitter = service.LogEmitter{Logger: logger.Named("events")}
	for _, opt := range opts {
		opt(a)
	}

	db, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	a.db = db
	a.relayStore = storage.NewRelayStore(db)
	a.ledger = storage.NewSentLedger(db)
	a.events = storage.NewWebhookEventStore(db)
	a.approvals = storage.NewApprovalStore(db)
	a.profiles = storage.NewDBConnectionStore(db)

	a.validator, err = etl.NewPayloadValidator()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("payload schema: %w", err)
	}

	// Database and mongo sources resolve named profiles through the store.
	sources.SetConnectorProvider(&service.ProfileProvider{
		Profiles: a.profiles,
		Secrets:  a.secrets,
		Logger:   logger.Named("dbclient"),
	})

	a.builder = visit.NewBuilder(cfg.Mapping)
	a.health = service.NewHealth(nil)
	a.routing = routing.New(routing.Options{
		BaseURL:    cfg.Routing.BaseURL,
		Token:      cfg.Routing.Token,
		Timeout:    cfg.RoutingTimeout(),
		BatchSize:  cfg.Routing.BatchSize,
		MaxRetries: cfg.Routing.MaxRetries,
		Backoff:    cfg.RoutingBackoff(),
		Logger:     logger,
	})

	relayOpts := service.RelayOptions{
		Store:      a.relayStore,
		Ledger:     a.ledger,
		Routing:    a.routing,
		Builder:    a.builder,
		Validator:  a.validator,
		OutputDir:  cfg.Relay.OutputDir,
		Workers:    cfg.Relay.Workers,
		BatchSize:  cfg.Routing.BatchSize,
		RunTimeout: cfg.RunTimeout(),
		Schedule:   cfg.Relay.Schedule,
		Health:     a.health,
		Emitter:    a.emitter,
		Logger:     logger,
	}
	if cfg.Relay.MarkSent {
		relayOpts.Marker = &service.StatusTableMarker{
			Schema: cfg.StatusSchema(),
			Table:  cfg.Status.Table,
			Health: a.health,
			Logger: logger.Named("marker"),
		}
	}
	if cfg.HasSource() {
		relayOpts.DefaultJob = a.DefaultJob()
	}
	a.relay = service.NewRelayService(relayOpts)

	statusOpts := service.StatusOptions{
		Schema:  cfg.StatusSchema(),
		Table:   cfg.Status.Table,
		Health:  a.health,
		Emitter: a.emitter,
		Logger:  logger,
	}
	if cfg.Webhook.Archive {
		statusOpts.Events = a.events
	}
	if cfg.HasSource() {
		statusOpts.Open = a.openSource
	}
	a.status = service.NewStatusService(statusOpts)

	return a, nil
}

// DefaultJob is the configured poll of the source views.
func (a *App) DefaultJob() *etl.SyncJob {
	return &etl.SyncJob{
		ID:         DefaultJobName,
		Name:       DefaultJobName,
		SourceType: "database",
		SourceCfg:  a.cfg.SourceJobConfig(),
		DestType:   "routing",
		Enabled:    true,
	}
}

func (a *App) openSource(ctx context.Context) (dbclient.Connector, error) {
	return sources.OpenConnector(ctx, a.cfg.SourceJobConfig())
}

// OpenSource connects to the configured source database.
func (a *App) OpenSource(ctx context.Context) (dbclient.Connector, error) {
	if !a.cfg.HasSource() {
		return nil, fmt.Errorf("source database not configured")
	}
	return a.openSource(ctx)
}

func (a *App) Config() *config.Config               { return a.cfg }
func (a *App) Logger() *zap.Logger                  { return a.log }
func (a *App) Relay() *service.RelayService         { return a.relay }
func (a *App) Status() *service.StatusService       { return a.status }
func (a *App) Routing() *routing.Client             { return a.routing }
func (a *App) Builder() *visit.Builder              { return a.builder }
func (a *App) Health() *service.Health              { return a.health }
func (a *App) Approvals() *storage.ApprovalStore    { return a.approvals }
func (a *App) Profiles() *storage.DBConnectionStore { return a.profiles }
func (a *App) Events() *storage.WebhookEventStore   { return a.events }

// Close stops the scheduler and closes the state database.
func (a *App) Close() error {
	var err error
	if a.relay != nil {
		a.relay.Stop()
	}
	sources.SetConnectorProvider(nil)
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	return err
}
