package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"visitrelay/internal/dbclient"
	"visitrelay/internal/etl"
)

// ── Mongo Source ───────────────────────────────────────────
// Reads visit documents that are already nested: one document per visit
// with its rows under "items". Collections play the role of views.

type mongoSource struct{}

func init() { etl.RegisterSource(&mongoSource{}) }

func (s *mongoSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:  "mongo",
		Label: "MongoDB Collections",
		ConfigFields: []etl.ConfigField{
			{Key: "connection", Label: "Connection Profile", Type: "string"},
			{Key: "host", Label: "URI or Host", Type: "string", Help: "mongodb:// or mongodb+srv:// URI, or a host name"},
			{Key: "database", Label: "Database", Type: "string", Required: true},
			{Key: "username", Label: "Username", Type: "string"},
			{Key: "password", Label: "Password", Type: "password"},
			{Key: "views", Label: "Collections", Type: "string", Required: true, Help: "Comma separated collection names"},
			{Key: "filter", Label: "Filter", Type: "string", Help: `Extended JSON filter, e.g. {"sent_at": null}`},
			{Key: "limit", Label: "Limit", Type: "number"},
			{Key: "fetch_limit", Label: "Fetch Size", Type: "number", Default: "100"},
		},
	}
}

// mongoConfig forces the driver so the inline provider opens a mongo
// connector.
func mongoConfig(cfg etl.SourceConfig) etl.SourceConfig {
	out := make(etl.SourceConfig, len(cfg)+1)
	for k, v := range cfg {
		out[k] = v
	}
	out["driver"] = "mongodb"
	return out
}

func mongoFilter(cfg etl.SourceConfig) (map[string]any, error) {
	switch f := cfg["filter"].(type) {
	case map[string]any:
		return f, nil
	case string:
		if f == "" {
			return nil, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(f), &m); err != nil {
			return nil, fmt.Errorf("parse filter: %w", err)
		}
		return m, nil
	}
	return nil, nil
}

func (s *mongoSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	records, err := readMongo(ctx, cfg, 1)
	if err != nil {
		return nil, err
	}
	return inferSchema(records), nil
}

func (s *mongoSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		records, err := readMongo(ctx, cfg, int64(cfg.Int("limit", 0)))
		if err != nil {
			errCh <- err
			return
		}
		emit(ctx, out, records)
	}()

	return out, errCh
}

func readMongo(ctx context.Context, cfg etl.SourceConfig, limit int64) ([]etl.Record, error) {
	collections := views(cfg)
	if len(collections) == 0 {
		return nil, errors.New("views is required")
	}
	filter, err := mongoFilter(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := OpenConnector(ctx, mongoConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	fetch := cfg.Int("fetch_limit", 100)
	var records []etl.Record
	for _, coll := range collections {
		page, err := conn.Execute(ctx, dbclient.MongoFind(coll, filter, limit), fetch)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", coll, err)
		}
		docs := page.Maps()
		for page.HasMore {
			if page, err = conn.FetchMore(ctx, fetch); err != nil {
				return nil, fmt.Errorf("collection %s: %w", coll, err)
			}
			docs = append(docs, page.Maps()...)
		}
		records = append(records, nestedRecords(docs, coll)...)
	}
	return records, nil
}

// nestedRecords wraps documents as records, stamping the view name on the
// document and on each of its items.
func nestedRecords(docs []map[string]any, view string) []etl.Record {
	out := make([]etl.Record, 0, len(docs))
	for _, doc := range docs {
		rec := etl.Record{Data: doc}.Clone()
		if view != "" {
			stampView(rec.Data, view)
		}
		out = append(out, rec)
	}
	return out
}

func stampView(data map[string]any, view string) {
	data[SourceViewKey] = view
	for _, key := range []string{"items", "rows"} {
		switch rows := data[key].(type) {
		case []any:
			for _, r := range rows {
				if m, ok := r.(map[string]any); ok {
					m[SourceViewKey] = view
				}
			}
		case []map[string]any:
			for _, m := range rows {
				m[SourceViewKey] = view
			}
		}
	}
}
