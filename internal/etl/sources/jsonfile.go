package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"visitrelay/internal/etl"
)

// ── JSON File Source ────────────────────────────────────────
// Reads visit records from a local JSON file: an array of records, a single
// record, or an array nested under dataPath.

type jsonFileSource struct{}

func init() { etl.RegisterSource(&jsonFileSource{}) }

func (s *jsonFileSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:  "json_file",
		Label: "JSON File",
		ConfigFields: []etl.ConfigField{
			{Key: "filePath", Label: "File Path", Type: "file", Required: true, Help: "Absolute path to the JSON file"},
			{Key: "dataPath", Label: "Data Path", Type: "string", Help: "Dot-separated path to the array (e.g., 'data.items'). Leave empty if root is an array."},
			{Key: "view", Label: "View", Type: "string", Help: "Stamped as _source_view on every record"},
		},
	}
}

func (s *jsonFileSource) Discover(ctx context.Context, cfg etl.SourceConfig) (*etl.Schema, error) {
	records, err := readJSONFile(cfg)
	if err != nil {
		return nil, err
	}
	return inferSchema(records), nil
}

func (s *jsonFileSource) Read(ctx context.Context, cfg etl.SourceConfig) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		records, err := readJSONFile(cfg)
		if err != nil {
			errCh <- err
			return
		}
		emit(ctx, out, records)
	}()

	return out, errCh
}

func readJSONFile(cfg etl.SourceConfig) ([]etl.Record, error) {
	filePath := cfg.String("filePath")
	if filePath == "" {
		return nil, errors.New("filePath is required")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return decodeRecords(data, cfg)
}

// decodeRecords parses a JSON document into records, following dataPath.
func decodeRecords(data []byte, cfg etl.SourceConfig) ([]etl.Record, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if dataPath := cfg.String("dataPath"); dataPath != "" {
		var ok bool
		if raw, ok = navigatePath(raw, dataPath); !ok {
			return nil, fmt.Errorf("invalid data path: %q not found", dataPath)
		}
	}
	return toRecords(raw, cfg.String("view")), nil
}
