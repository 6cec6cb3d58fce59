package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"visitrelay/internal/dbclient"
	"visitrelay/internal/etl"
	"visitrelay/internal/etl/sources"
	"visitrelay/internal/status"
	"visitrelay/internal/visit"
)

// DefaultStatusTable is the source table that tracks what was sent.
const DefaultStatusTable = "TD_OTIMIZE_ALTSTAT"

// StatusTableMarker writes deliveries back to the source status table:
// the send time and the routing visit id, keyed by protocol and
// prescription. Only database jobs are marked.
type StatusTableMarker struct {
	// Open connects to the job's source; defaults to sources.OpenConnector.
	Open   func(ctx context.Context, cfg etl.SourceConfig) (dbclient.Connector, error)
	Schema string // falls back to the job's source schema
	Table  string
	Now    func() time.Time
	// Health counts rows that could not be marked; optional.
	Health *Health
	Logger *zap.Logger
}

var _ etl.SentMarker = (*StatusTableMarker)(nil)

func (m *StatusTableMarker) MarkSent(ctx context.Context, job *etl.SyncJob, sent []etl.SentVisit) error {
	if job.SourceType != "database" || len(sent) == 0 {
		return nil
	}
	log := m.Logger
	if log == nil {
		log = zap.NewNop()
	}

	schema := m.Schema
	if schema == "" {
		schema = job.SourceCfg.String("schema")
	}
	tableName := m.Table
	if tableName == "" {
		tableName = DefaultStatusTable
	}
	table, err := dbclient.QualifiedName(schema, tableName)
	if err != nil {
		return err
	}

	open := m.Open
	if open == nil {
		open = sources.OpenConnector
	}
	conn, err := open(ctx, job.SourceCfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	sentAt := now().In(status.Local)

	var errs error
	for _, s := range sent {
		protocol := visit.Lookup(s.Record.Data, nil, "ID_PROTOCOLO")
		prescription := visit.Lookup(s.Record.Data, nil, "ID_PRESCRICAO")
		if protocol == nil || prescription == nil {
			log.Debug("no status key on record", zap.String("reference", s.Reference))
			continue
		}
		n, err := conn.Update(ctx, table,
			[]dbclient.Column{
				{Name: "DT_ENVIOROTEIRIZADOR", Value: sentAt},
				{Name: "IDSIMPLIROUTE", Value: s.VisitID},
			},
			[]dbclient.Column{
				{Name: "IDREGISTRO", Value: prescription},
				{Name: "IDREFERENCE", Value: protocol},
			},
		)
		if err == nil && n == 0 {
			err = fmt.Errorf("no status row for protocol %v prescription %v", protocol, prescription)
		}
		if err != nil {
			log.Error("mark sent failed", zap.String("reference", s.Reference), zap.Error(err))
			if m.Health != nil {
				m.Health.RecordError(s.Reference, "mark sent: "+err.Error())
			}
			errs = multierr.Append(errs, fmt.Errorf("reference %s: %w", s.Reference, err))
			continue
		}
		log.Debug("marked sent", zap.String("reference", s.Reference), zap.Int64("rows", n))
	}
	return errs
}
