package etl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"visitrelay/internal/visit"
)

// ── SyncJob ────────────────────────────────────────────────
// Orchestrates: source.Read → transform chain → build → validate →
// ledger → destination.Write → mark sent.

// SyncJob holds the configuration for a single relay job.
type SyncJob struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	SourceType    string            `json:"sourceType"`
	SourceCfg     SourceConfig      `json:"sourceConfig"`
	Transforms    []TransformConfig `json:"transforms,omitempty"`
	DestType      string            `json:"destType"` // "routing" | "file"
	DedupeKey     string            `json:"dedupeKey,omitempty"`
	TriggerType   string            `json:"triggerType"`   // "manual" | "schedule" | "file_watch"
	TriggerConfig string            `json:"triggerConfig"` // cron expression or watch path
	Enabled       bool              `json:"enabled"`
	LastRunAt     time.Time         `json:"lastRunAt"`
	LastStatus    string            `json:"lastStatus"` // "success" | "error" | "running" | ""
	LastError     string            `json:"lastError"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// SyncResult is the outcome of running a relay job.
type SyncResult struct {
	JobID       string        `json:"jobId"`
	Status      string        `json:"status"` // "success" | "error"
	RowsRead    int           `json:"rowsRead"`
	RowsBuilt   int           `json:"rowsBuilt"`
	RowsSkipped int           `json:"rowsSkipped"`
	RowsWritten int           `json:"rowsWritten"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	Delivered   []Delivered   `json:"delivered,omitempty"`
}

// SyncRunLog is a historical record of a relay run.
type SyncRunLog struct {
	ID          string    `json:"id"`
	JobID       string    `json:"jobId"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Status      string    `json:"status"`
	RowsRead    int       `json:"rowsRead"`
	RowsBuilt   int       `json:"rowsBuilt"`
	RowsSkipped int       `json:"rowsSkipped"`
	RowsWritten int       `json:"rowsWritten"`
	Error       string    `json:"error,omitempty"`
}

// ── Hooks ──────────────────────────────────────────────────

// SentVisit is a payload the destination accepted.
type SentVisit struct {
	Reference string
	Hash      string
	VisitID   string
	Record    Record
	Payload   *visit.Payload
}

// Ledger remembers which payloads were already delivered.
type Ledger interface {
	AlreadySent(ctx context.Context, reference, hash string) (bool, error)
	RecordSent(ctx context.Context, jobID string, sent SentVisit) error
}

// SentMarker writes the delivery back to the source system.
type SentMarker interface {
	MarkSent(ctx context.Context, job *SyncJob, sent []SentVisit) error
}

// ── Engine ─────────────────────────────────────────────────

// Engine runs relay jobs using the registered sources and a destination.
// Ledger and Marker are optional.
type Engine struct {
	Dest      Destination
	Builder   *visit.Builder
	Validator *PayloadValidator
	Ledger    Ledger
	Marker    SentMarker
	Workers   int
	BatchSize int
	Logger    *zap.Logger
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) builder() *visit.Builder {
	if e.Builder == nil {
		return visit.NewBuilder(visit.DefaultConfig())
	}
	return e.Builder
}

// built is one record with its payload.
type built struct {
	record  Record
	payload *visit.Payload
	hash    string
}

// RunSync executes a relay job end-to-end.
func (e *Engine) RunSync(ctx context.Context, job *SyncJob) (*SyncResult, error) {
	start := time.Now()
	result := &SyncResult{JobID: job.ID}
	log := e.logger().With(zap.String("job", job.Name))

	fail := func(stage string, err error) (*SyncResult, error) {
		result.Status = "error"
		result.Error = fmt.Sprintf("%s: %s", stage, err)
		result.Duration = time.Since(start)
		return result, fmt.Errorf("%s: %w", stage, err)
	}

	if e.Dest == nil {
		return fail("write", errors.New("no destination configured"))
	}

	// 1. Read + transform.
	records, read, err := e.collect(ctx, job)
	result.RowsRead = read
	if err != nil {
		return fail("read", err)
	}

	// 2. Build payloads in parallel.
	items, unhashable, err := e.buildAll(ctx, records)
	if err != nil {
		return fail("build", err)
	}
	result.RowsBuilt = len(items)
	result.RowsSkipped += unhashable

	// 3. Validate and drop what was already delivered.
	var pending []built
	for _, it := range items {
		if e.Validator != nil {
			if err := e.Validator.Validate(it.payload); err != nil {
				log.Warn("payload skipped", zap.String("reference", it.payload.Reference()), zap.Error(err))
				result.RowsSkipped++
				continue
			}
		}
		if e.Ledger != nil && it.payload.Reference() != "" {
			sent, err := e.Ledger.AlreadySent(ctx, it.payload.Reference(), it.hash)
			if err != nil {
				return fail("ledger", err)
			}
			if sent {
				log.Debug("payload already sent", zap.String("reference", it.payload.Reference()))
				result.RowsSkipped++
				continue
			}
		}
		pending = append(pending, it)
	}

	// 4. Write in batches, recording each accepted batch.
	batchSize := e.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	for from := 0; from < len(pending); from += batchSize {
		batch := pending[from:min(from+batchSize, len(pending))]
		payloads := make([]*visit.Payload, len(batch))
		for i, it := range batch {
			payloads[i] = it.payload
		}

		delivered, werr := e.Dest.Write(ctx, payloads)
		sent := make([]SentVisit, 0, len(delivered))
		for i, d := range delivered {
			if i >= len(batch) {
				break
			}
			sent = append(sent, SentVisit{
				Reference: d.Reference,
				Hash:      batch[i].hash,
				VisitID:   d.VisitID,
				Record:    batch[i].record,
				Payload:   batch[i].payload,
			})
		}
		result.RowsWritten += len(delivered)
		result.Delivered = append(result.Delivered, delivered...)

		if err := e.recordSent(ctx, job, sent); err != nil {
			log.Warn("mark sent failed", zap.Error(err))
		}
		if werr != nil {
			return fail("write", werr)
		}
	}

	result.Status = "success"
	result.Duration = time.Since(start)
	log.Info("relay run finished",
		zap.Int("read", result.RowsRead),
		zap.Int("built", result.RowsBuilt),
		zap.Int("skipped", result.RowsSkipped),
		zap.Int("written", result.RowsWritten),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// collect reads the job source and applies the transformer chain.
func (e *Engine) collect(ctx context.Context, job *SyncJob) ([]Record, int, error) {
	source, err := GetSource(job.SourceType)
	if err != nil {
		return nil, 0, err
	}

	recCh, errCh := source.Read(ctx, job.SourceCfg)
	transformers := BuildTransformers(job.Transforms, job.DedupeKey)

	var records []Record
	read := 0
	for rec := range recCh {
		read++
		if transformed, keep := ApplyTransformers(rec.Clone(), transformers); keep {
			records = append(records, transformed)
		}
	}
	if err := <-errCh; err != nil {
		return nil, read, err
	}
	return ApplyBatchSort(records, transformers), read, nil
}

// buildAll builds one payload per record with a bounded worker pool.
// Output order follows input order. A payload that cannot be encoded is
// logged and counted, and the rest of the batch goes on.
func (e *Engine) buildAll(ctx context.Context, records []Record) ([]built, int, error) {
	b := e.builder()
	out := make([]built, len(records))

	g, gctx := errgroup.WithContext(ctx)
	workers := e.Workers
	if workers <= 0 {
		workers = 4
	}
	g.SetLimit(workers)

	for i, rec := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p := b.Build(rec.Source())
			h, err := PayloadHash(p)
			if err != nil {
				e.logger().Warn("payload dropped", zap.String("reference", p.Reference()), zap.Error(err))
				return nil
			}
			out[i] = built{record: rec, payload: p, hash: h}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	kept := out[:0]
	for _, it := range out {
		if it.payload != nil {
			kept = append(kept, it)
		}
	}
	return kept, len(records) - len(kept), nil
}

func (e *Engine) recordSent(ctx context.Context, job *SyncJob, sent []SentVisit) error {
	if len(sent) == 0 {
		return nil
	}
	if e.Ledger != nil {
		for _, s := range sent {
			if s.Reference == "" {
				continue
			}
			if err := e.Ledger.RecordSent(ctx, job.ID, s); err != nil {
				return fmt.Errorf("ledger: %w", err)
			}
		}
	}
	if e.Marker != nil {
		if err := e.Marker.MarkSent(ctx, job, sent); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
	}
	return nil
}

// Preview executes only the source read phase and returns up to maxRows records.
func (e *Engine) Preview(ctx context.Context, sourceType string, cfg SourceConfig, maxRows int) ([]Record, *Schema, error) {
	source, err := GetSource(sourceType)
	if err != nil {
		return nil, nil, err
	}

	schema, err := source.Discover(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("discover: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	recCh, errCh := source.Read(ctx, cfg)

	var records []Record
	for rec := range recCh {
		records = append(records, rec)
		if len(records) >= maxRows {
			break
		}
	}

	// Stop the reader and drain what it already queued.
	cancel()
	go func() {
		for range recCh {
		}
	}()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return records, schema, err
	}
	return records, schema, nil
}

// BuildPreview builds payloads for previewed records without sending them.
func (e *Engine) BuildPreview(records []Record) []*visit.Payload {
	b := e.builder()
	out := make([]*visit.Payload, len(records))
	for i, rec := range records {
		out[i] = b.Build(rec.Source())
	}
	return out
}

// PayloadHash fingerprints the payload as it would be sent.
func PayloadHash(p *visit.Payload) (string, error) {
	data, err := json.Marshal(p.Compact())
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
