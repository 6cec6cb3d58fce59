package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"visitrelay/internal/dbclient"
	"visitrelay/internal/status"
	"visitrelay/internal/storage"
)

// ─────────────────────────────────────────────────────────────
// StatusService — routing callbacks into the source status table
// ─────────────────────────────────────────────────────────────

// StatusOptions wires a StatusService. Events is optional; without it raw
// bodies are not archived.
type StatusOptions struct {
	Events *storage.WebhookEventStore
	// Open connects to the database holding the status table.
	Open    func(ctx context.Context) (dbclient.Connector, error)
	Schema  string
	Table   string
	Now     func() time.Time
	Health  *Health
	Emitter EventEmitter
	Logger  *zap.Logger
}

// StatusService maps callbacks and inserts one status row per mapped event.
type StatusService struct {
	opts    StatusOptions
	log     *zap.Logger
	health  *Health
	emitter EventEmitter
}

func NewStatusService(opts StatusOptions) *StatusService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Health == nil {
		opts.Health = NewHealth(nil)
	}
	if opts.Emitter == nil {
		opts.Emitter = LogEmitter{}
	}
	if opts.Table == "" {
		opts.Table = DefaultStatusTable
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &StatusService{
		opts:    opts,
		log:     opts.Logger.Named("status"),
		health:  opts.Health,
		emitter: opts.Emitter,
	}
}

// CallbackResult summarizes one webhook body.
type CallbackResult struct {
	EventID  string         `json:"eventId,omitempty"`
	Received int            `json:"received"`
	Stored   int            `json:"stored"`
	Skipped  int            `json:"skipped"`
	Events   []status.Event `json:"events"`
}

// HandleCallbacks archives body, maps every callback in it and stores the
// mapped events. Callbacks with an unmapped status are skipped. A body
// that does not decode is an error; so is a failed insert.
func (s *StatusService) HandleCallbacks(ctx context.Context, body []byte, remoteAddr string) (*CallbackResult, error) {
	result := &CallbackResult{}

	var archived *storage.WebhookEvent
	if s.opts.Events != nil {
		ev, err := s.opts.Events.CreateEvent(ctx, body, remoteAddr)
		if err != nil {
			s.log.Warn("archive callback", zap.Error(err))
		} else {
			archived = ev
			result.EventID = ev.ID
		}
	}

	err := s.handle(ctx, body, result)

	if archived != nil {
		state, msg := "processed", ""
		switch {
		case err != nil:
			state, msg = "error", err.Error()
		case result.Stored == 0:
			state = "ignored"
		}
		if uerr := s.opts.Events.UpdateEventStatus(ctx, archived.ID, state, msg); uerr != nil {
			s.log.Warn("update archived callback", zap.String("event", archived.ID), zap.Error(uerr))
		}
	}
	if err != nil {
		s.health.RecordError("", err.Error())
	}
	return result, err
}

func (s *StatusService) handle(ctx context.Context, body []byte, result *CallbackResult) error {
	callbacks, err := status.DecodeCallbacks(body)
	if err != nil {
		return err
	}
	result.Received = len(callbacks)

	now := s.opts.Now()
	for _, cb := range callbacks {
		ev, err := status.Map(cb, now)
		if errors.Is(err, status.ErrUnmappedStatus) {
			s.log.Warn("callback skipped", zap.String("reference", ev.Reference), zap.String("status", ev.RawStatus))
			result.Skipped++
			continue
		}
		if err != nil {
			return err
		}
		result.Events = append(result.Events, ev)
	}
	if len(result.Events) == 0 {
		return nil
	}

	stored, err := s.store(ctx, result.Events)
	result.Stored = stored
	return err
}

func (s *StatusService) store(ctx context.Context, events []status.Event) (int, error) {
	if s.opts.Open == nil {
		return 0, errors.New("status database not configured")
	}
	table, err := dbclient.QualifiedName(s.opts.Schema, s.opts.Table)
	if err != nil {
		return 0, err
	}
	conn, err := s.opts.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	stored := 0
	var errs error
	for _, ev := range events {
		if err := conn.Insert(ctx, table, StatusColumns(ev)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reference %s: %w", ev.Reference, err))
			continue
		}
		stored++
		s.health.RecordCallback(ev.Reference, fmt.Sprintf("%d %s", ev.Status, ev.Information))
		s.emitter.Emit(ctx, EventCallback, ev)
		s.log.Info("status stored",
			zap.String("reference", ev.Reference),
			zap.Int("status", int(ev.Status)),
			zap.Int("record_type", ev.RecordType),
		)
	}
	return stored, errs
}

// StatusColumns renders an event as a status table row.
func StatusColumns(ev status.Event) []dbclient.Column {
	var ref any = ev.Reference
	if ev.ReferenceID != nil {
		ref = *ev.ReferenceID
	}
	return []dbclient.Column{
		{Name: "IDREFERENCE", Value: ref},
		{Name: "EVENTDATE", Value: ev.EventDate},
		{Name: "IDADMISSION", Value: nullable(ev.AdmissionID)},
		{Name: "IDREGISTRO", Value: nullable(ev.RegistroID)},
		{Name: "TPREGISTRO", Value: ev.RecordType},
		{Name: "STATUS", Value: int(ev.Status)},
		{Name: "INFORMACAO", Value: ev.Information},
		{Name: "OBS", Value: ev.Observation},
	}
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
