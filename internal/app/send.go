package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"visitrelay/internal/etl"
	"visitrelay/internal/service"
)

// SendOptions selects what a one-shot send reads and where it writes.
type SendOptions struct {
	// Profile names a stored source profile to read instead of the
	// configured source.
	Profile string
	// File reads records from a JSON or CSV export instead of the source
	// database.
	File string
	// View restricts a database send to one view. With File it is stamped
	// as the record view.
	View  string
	Limit int
	// DryRun writes payload files to OutputDir instead of calling the API.
	DryRun    bool
	OutputDir string
}

// SendJob builds the ad hoc job for opts.
func (a *App) SendJob(opts SendOptions) (*etl.SyncJob, error) {
	job := &etl.SyncJob{Name: "send", DestType: "routing", TriggerType: "manual", Enabled: true}

	switch {
	case opts.File != "":
		job.SourceCfg = etl.SourceConfig{"filePath": opts.File}
		if opts.View != "" {
			job.SourceCfg["view"] = opts.View
		}
		switch strings.ToLower(filepath.Ext(opts.File)) {
		case ".json":
			job.SourceType = "json_file"
		case ".csv":
			job.SourceType = "csv_file"
			job.SourceCfg["group_field"] = a.cfg.Source.GroupField
		default:
			return nil, fmt.Errorf("unsupported file type %q (want .json or .csv)", filepath.Ext(opts.File))
		}
		job.Name = "send:" + filepath.Base(opts.File)
	case opts.Profile != "" || a.cfg.HasSource():
		job.SourceType = "database"
		job.SourceCfg = a.cfg.SourceJobConfig()
		if opts.Profile != "" {
			job.SourceCfg["connection"] = opts.Profile
			job.Name = "send:" + opts.Profile
		}
		if opts.View != "" {
			job.SourceCfg["views"] = opts.View
		}
	default:
		return nil, fmt.Errorf("no source: configure source.host or pass a file")
	}

	if opts.Limit > 0 {
		job.Transforms = append(job.Transforms, etl.TransformConfig{
			Type:   "limit",
			Config: map[string]any{"count": float64(opts.Limit)},
		})
	}
	if opts.DryRun {
		job.DestType = "file"
		if opts.OutputDir != "" {
			job.SourceCfg["output_dir"] = opts.OutputDir
		}
	}
	return job, nil
}

// Send runs opts once through the relay.
func (a *App) Send(ctx context.Context, opts SendOptions) (*etl.SyncResult, error) {
	job, err := a.SendJob(opts)
	if err != nil {
		return nil, err
	}
	if !opts.DryRun {
		if err := a.cfg.RequireToken(); err != nil {
			return nil, err
		}
	}
	return a.relay.RunAdhoc(ctx, job)
}

// Preview builds payloads from a JSON export without sending them.
func (a *App) Preview(ctx context.Context, file, view string, maxRows int) (*service.PreviewResult, error) {
	cfg := etl.SourceConfig{"filePath": file}
	if view != "" {
		cfg["view"] = view
	}
	sourceType := "json_file"
	if strings.EqualFold(filepath.Ext(file), ".csv") {
		sourceType = "csv_file"
		cfg["group_field"] = a.cfg.Source.GroupField
	}
	return a.relay.PreviewSource(ctx, sourceType, cfg, maxRows)
}
