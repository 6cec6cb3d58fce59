package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"visitrelay/internal/dbclient"
	"visitrelay/internal/domain"
	"visitrelay/internal/etl"
)

// ── Database Source ────────────────────────────────────────
// Reads the visit views of a relational database. Every configured view
// is queried in full, paged through the connector cursor, and its rows
// are grouped into visit records.

// ConnectorProvider opens the connector a database source reads from.
// The service layer installs one that resolves named profiles; the default
// builds the connection from the inline config keys.
type ConnectorProvider interface {
	Open(ctx context.Context, cfg etl.SourceConfig) (dbclient.Connector, error)
}

// ConnectorProviderFunc adapts a function to ConnectorProvider.
type ConnectorProviderFunc func(ctx context.Context, cfg etl.SourceConfig) (dbclient.Connector, error)

func (f ConnectorProviderFunc) Open(ctx context.Context, cfg etl.SourceConfig) (dbclient.Connector, error) {
	return f(ctx, cfg)
}

var (
	providerMu sync.RWMutex
	provider   ConnectorProvider = ConnectorProviderFunc(openInline)
)

// SetConnectorProvider replaces how database and mongo sources connect.
// A nil provider restores the inline default.
func SetConnectorProvider(p ConnectorProvider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	if p == nil {
		p = ConnectorProviderFunc(openInline)
	}
	provider = p
}

// OpenConnector connects with the installed provider.
func OpenConnector(ctx context.Context, cfg etl.SourceConfig) (dbclient.Connector, error) {
	providerMu.RLock()
	p := provider
	providerMu.RUnlock()
	return p.Open(ctx, cfg)
}

// ConnectionFromConfig reads the inline connection keys of a source config.
// It returns the profile and the password.
func ConnectionFromConfig(cfg etl.SourceConfig) (*domain.DatabaseConnection, string, error) {
	driver, err := domain.ParseDriver(cfg.String("driver"))
	if err != nil {
		return nil, "", err
	}
	conn := &domain.DatabaseConnection{
		Name:     cfg.String("connection"),
		Driver:   driver,
		Host:     cfg.String("host"),
		Port:     cfg.Int("port", 0),
		Database: cfg.String("database"),
		Username: cfg.String("username"),
		SSLMode:  cfg.String("ssl_mode"),
	}
	if conn.Host == "" {
		return nil, "", errors.New("host is required")
	}
	return conn, cfg.String("password"), nil
}

func openInline(_ context.Context, cfg etl.SourceConfig) (dbclient.Connector, error) {
	conn, password, err := ConnectionFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return dbclient.NewConnector(conn, password, nil)
}

type databaseSource struct{}

func init() { etl.RegisterSource(&databaseSource{}) }

func (s *databaseSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:    "database",
		Label:   "Database Views",
		Grouped: true,
		ConfigFields: []etl.ConfigField{
			{Key: "connection", Label: "Connection Profile", Type: "string", Help: "Named profile; overrides the inline connection keys"},
			{Key: "driver", Label: "Driver", Type: "select", Options: []string{"postgres", "mysql", "sqlite"}},
			{Key: "host", Label: "Host", Type: "string", Help: "Hostname, or the file path for sqlite"},
			{Key: "port", Label: "Port", Type: "number"},
			{Key: "database", Label: "Database", Type: "string"},
			{Key: "username", Label: "Username", Type: "string"},
			{Key: "password", Label: "Password", Type: "password"},
			{Key: "ssl_mode", Label: "SSL Mode", Type: "string"},
			{Key: "schema", Label: "Schema", Type: "string"},
			{Key: "views", Label: "Views", Type: "string", Required: true, Help: "Comma separated view names"},
			{Key: "delivery_view", Label: "Delivery View", Type: "string"},
			{Key: "group_field", Label: "Group Field", Type: "string", Default: DefaultGroupField},
			{Key: "where", Label: "Where", Type: "string", Help: "Filter applied to every view"},
			{Key: "where_deliveries", Label: "Where (deliveries)", Type: "string"},
			{Key: "where_visits", Label: "Where (visits)", Type: "string"},
			{Key: "fetch_limit", Label: "Fetch Size", Type: "number", Default: "100"},
		},
	}
}

// views lists the configured views, accepting "views" or a single "view".
func views(cfg etl.SourceConfig) []string {
	if vs := cfg.Strings("views"); len(vs) > 0 {
		return vs
	}
	if v := strings.TrimSpace(cfg.String("view")); v != "" {
		return []string{v}
	}
	return nil
}

// whereFor picks the filter of a view: the per-kind override when set,
// else the shared one.
func whereFor(cfg etl.SourceConfig, view string) string {
	override := cfg.String("where_visits")
	if dv := cfg.String("delivery_view"); dv != "" && strings.EqualFold(dv, view) {
		override = cfg.String("where_deliveries")
	}
	if w := strings.TrimSpace(override); w != "" {
		return w
	}
	return strings.TrimSpace(cfg.String("where"))
}

// ViewQuery renders the read statement for one view.
func ViewQuery(cfg etl.SourceConfig, view string) (string, error) {
	table, err := dbclient.QualifiedName(cfg.String("schema"), view)
	if err != nil {
		return "", err
	}
	query := "SELECT * FROM " + table
	if w := whereFor(cfg, view); w != "" {
		query += " WHERE " + w
	}
	return query, nil
}

func (s *databaseSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	vs := views(cfg)
	if len(vs) == 0 {
		return nil, errors.New("views is required")
	}
	query, err := ViewQuery(cfg, vs[0])
	if err != nil {
		return nil, err
	}
	conn, err := OpenConnector(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	page, err := conn.Execute(ctx, query, 1)
	if err != nil {
		return nil, err
	}
	schema := &etl.Schema{Fields: make([]etl.Field, 0, len(page.Columns)+1)}
	for _, col := range page.Columns {
		schema.Fields = append(schema.Fields, etl.Field{Name: col, Type: "text"})
	}
	schema.Fields = append(schema.Fields, etl.Field{Name: "items", Type: "list"})
	return schema, nil
}

func (s *databaseSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		vs := views(cfg)
		if len(vs) == 0 {
			errCh <- errors.New("views is required")
			return
		}
		conn, err := OpenConnector(ctx, cfg)
		if err != nil {
			errCh <- fmt.Errorf("connect: %w", err)
			return
		}
		defer conn.Close()

		fetch := cfg.Int("fetch_limit", 100)
		for _, view := range vs {
			rows, err := readView(ctx, conn, cfg, view, fetch)
			if err != nil {
				errCh <- fmt.Errorf("view %s: %w", view, err)
				return
			}
			if !emit(ctx, out, GroupRows(rows, cfg.String("group_field"), view)) {
				return
			}
		}
	}()

	return out, errCh
}

// readView pages through one view. Grouping needs every row, since a visit
// may span pages.
func readView(ctx context.Context, conn dbclient.Connector, cfg etl.SourceConfig, view string, fetch int) ([]map[string]any, error) {
	query, err := ViewQuery(cfg, view)
	if err != nil {
		return nil, err
	}
	page, err := conn.Execute(ctx, query, fetch)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	rows := page.Maps()
	for page.HasMore {
		page, err = conn.FetchMore(ctx, fetch)
		if err != nil {
			return nil, fmt.Errorf("fetch more: %w", err)
		}
		rows = append(rows, page.Maps()...)
	}
	return rows, nil
}

// emit sends records until ctx is done.
func emit(ctx context.Context, out chan<- etl.Record, records []etl.Record) bool {
	for _, rec := range records {
		select {
		case out <- rec:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
