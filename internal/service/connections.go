package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"visitrelay/internal/dbclient"
	"visitrelay/internal/domain"
	"visitrelay/internal/etl"
	"visitrelay/internal/etl/sources"
	"visitrelay/internal/secret"
)

// ProfileProvider opens source connectors. A config naming a "connection"
// uses the stored profile and its secret; anything else is built from the
// inline keys.
type ProfileProvider struct {
	Profiles domain.DatabaseConnectionStore
	Secrets  secret.SecretStore
	Logger   *zap.Logger
}

var _ sources.ConnectorProvider = (*ProfileProvider)(nil)

func (p *ProfileProvider) Open(ctx context.Context, cfg etl.SourceConfig) (dbclient.Connector, error) {
	conn, password, err := p.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	return dbclient.NewConnector(conn, password, p.Logger)
}

// Resolve returns the connection and password a source config points at.
func (p *ProfileProvider) Resolve(cfg etl.SourceConfig) (*domain.DatabaseConnection, string, error) {
	name := cfg.String("connection")
	if name == "" || p.Profiles == nil {
		return sources.ConnectionFromConfig(cfg)
	}
	conn, err := p.Profiles.GetConnectionByName(name)
	if err != nil {
		return nil, "", fmt.Errorf("connection profile %q: %w", name, err)
	}
	password := cfg.String("password")
	if p.Secrets != nil {
		if v, err := p.Secrets.Get(name); err != nil {
			return nil, "", fmt.Errorf("secret for %q: %w", name, err)
		} else if len(v) > 0 {
			password = string(v)
		}
	}
	return conn, password, nil
}
