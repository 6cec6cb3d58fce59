package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"visitrelay/internal/etl"
	"visitrelay/internal/storage"
	"visitrelay/internal/visit"
)

// ErrJobRunning is returned when a run of the same job is still in flight.
var ErrJobRunning = errors.New("job is already running")

// ─────────────────────────────────────────────────────────────
// RelayService — relay jobs, scheduling, and file watching
// ─────────────────────────────────────────────────────────────

// RelayOptions wires a RelayService. Store may be nil for one-shot use.
type RelayOptions struct {
	Store     *storage.RelayStore
	Ledger    etl.Ledger
	Marker    etl.SentMarker
	Routing   etl.VisitCreator
	Builder   *visit.Builder
	Validator *etl.PayloadValidator
	OutputDir string
	Workers   int
	BatchSize int
	// RunTimeout bounds one run; defaults to 5 minutes.
	RunTimeout time.Duration
	// DefaultJob is polled on Schedule while the service is started.
	DefaultJob *etl.SyncJob
	Schedule   string
	Health     *Health
	Emitter    EventEmitter
	Logger     *zap.Logger
}

// RelayService manages relay jobs and runs them on demand, on a schedule,
// or when a watched file changes.
type RelayService struct {
	opts        RelayOptions
	log         *zap.Logger
	health      *Health
	emitter     EventEmitter
	runningJobs runningJobsGuard

	// watcher / cron lifecycle
	mu          sync.Mutex
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher
	cronSched   *cron.Cron
}

// NewRelayService creates a RelayService ready for use.
func NewRelayService(opts RelayOptions) *RelayService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Health == nil {
		opts.Health = NewHealth(nil)
	}
	if opts.Emitter == nil {
		opts.Emitter = LogEmitter{}
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	return &RelayService{
		opts:    opts,
		log:     opts.Logger.Named("relay"),
		health:  opts.Health,
		emitter: opts.Emitter,
	}
}

// Health returns the shared delivery counters.
func (s *RelayService) Health() *Health { return s.health }

// Running lists the jobs in flight.
func (s *RelayService) Running() []string { return s.runningJobs.Running() }

func (s *RelayService) store() (*storage.RelayStore, error) {
	if s.opts.Store == nil {
		return nil, errors.New("relay store not configured")
	}
	return s.opts.Store, nil
}

// ── Job CRUD ───────────────────────────────────────────────

type CreateJobInput struct {
	Name          string                `json:"name"`
	SourceType    string                `json:"sourceType"`
	SourceConfig  map[string]any        `json:"sourceConfig"`
	Transforms    []etl.TransformConfig `json:"transforms"`
	DestType      string                `json:"destType"`
	DedupeKey     string                `json:"dedupeKey"`
	TriggerType   string                `json:"triggerType"`
	TriggerConfig string                `json:"triggerConfig"`
	Enabled       bool                  `json:"enabled"`
}

func (in *CreateJobInput) validate() error {
	if in.Name == "" {
		return errors.New("name is required")
	}
	if _, err := etl.GetSource(in.SourceType); err != nil {
		return err
	}
	switch in.DestType {
	case "":
		in.DestType = "routing"
	case "routing", "file":
	default:
		return fmt.Errorf("unknown destination %q", in.DestType)
	}
	switch in.TriggerType {
	case "":
		in.TriggerType = "manual"
	case "manual", "file_watch":
	case "schedule":
		if _, err := cron.ParseStandard(in.TriggerConfig); err != nil {
			return fmt.Errorf("schedule %q: %w", in.TriggerConfig, err)
		}
	default:
		return fmt.Errorf("unknown trigger %q", in.TriggerType)
	}
	if in.TriggerType == "file_watch" && in.TriggerConfig == "" {
		return errors.New("file_watch needs a path")
	}
	return nil
}

func (in CreateJobInput) apply(job *etl.SyncJob) {
	job.Name = in.Name
	job.SourceType = in.SourceType
	job.SourceCfg = in.SourceConfig
	job.Transforms = in.Transforms
	job.DestType = in.DestType
	job.DedupeKey = in.DedupeKey
	job.TriggerType = in.TriggerType
	job.TriggerConfig = in.TriggerConfig
	job.Enabled = in.Enabled
}

func (s *RelayService) CreateJob(ctx context.Context, input CreateJobInput) (*etl.SyncJob, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	job := &etl.SyncJob{}
	input.apply(job)
	if err := store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("create relay job: %w", err)
	}
	s.restartIfStarted(ctx)
	return job, nil
}

func (s *RelayService) GetJob(id string) (*etl.SyncJob, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	return store.GetJob(id)
}

// FindJob accepts a job id or name.
func (s *RelayService) FindJob(idOrName string) (*etl.SyncJob, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	job, err := store.GetJob(idOrName)
	if errors.Is(err, storage.ErrNotFound) {
		return store.GetJobByName(idOrName)
	}
	return job, err
}

func (s *RelayService) ListJobs() ([]etl.SyncJob, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	return store.ListJobs()
}

func (s *RelayService) UpdateJob(ctx context.Context, id string, input CreateJobInput) error {
	store, err := s.store()
	if err != nil {
		return err
	}
	if err := input.validate(); err != nil {
		return err
	}
	job, err := store.GetJob(id)
	if err != nil {
		return err
	}
	input.apply(job)
	if err := store.UpdateJob(job); err != nil {
		return err
	}
	s.restartIfStarted(ctx)
	return nil
}

func (s *RelayService) DeleteJob(ctx context.Context, id string) error {
	store, err := s.store()
	if err != nil {
		return err
	}
	if err := store.DeleteJob(id); err != nil {
		return err
	}
	s.restartIfStarted(ctx)
	return nil
}

// ListRunLogs returns the latest run logs for a job, newest first.
func (s *RelayService) ListRunLogs(jobID string) ([]etl.SyncRunLog, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	return store.ListRunLogs(jobID, storage.RunLogLimit)
}

// ListSources returns the available source descriptors.
func (s *RelayService) ListSources() []etl.SourceSpec {
	return etl.ListSources()
}

// ── Run ────────────────────────────────────────────────────

// RunJob executes a stored job synchronously and records its run log.
func (s *RelayService) RunJob(ctx context.Context, id string) (*etl.SyncResult, error) {
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	if !s.runningJobs.TryLock(id) {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
	defer s.runningJobs.Unlock(id)

	job, err := store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if err := store.UpdateJobStatus(id, "running", ""); err != nil {
		s.log.Warn("update job status", zap.String("job", id), zap.Error(err))
	}

	start := time.Now()
	result, runErr := s.execute(ctx, job)

	runLog := &etl.SyncRunLog{
		JobID:       id,
		StartedAt:   start,
		FinishedAt:  time.Now(),
		Status:      result.Status,
		RowsRead:    result.RowsRead,
		RowsBuilt:   result.RowsBuilt,
		RowsSkipped: result.RowsSkipped,
		RowsWritten: result.RowsWritten,
		Error:       result.Error,
	}
	if err := store.CreateRunLog(runLog); err != nil {
		s.log.Warn("store run log", zap.String("job", id), zap.Error(err))
	}
	if err := store.UpdateJobStatus(id, result.Status, result.Error); err != nil {
		s.log.Warn("update job status", zap.String("job", id), zap.Error(err))
	}
	return result, runErr
}

// RunAdhoc executes a job that is not stored, such as the configured
// default poll or a one-shot CLI send.
func (s *RelayService) RunAdhoc(ctx context.Context, job *etl.SyncJob) (*etl.SyncResult, error) {
	key := "adhoc:" + job.Name
	if !s.runningJobs.TryLock(key) {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, job.Name)
	}
	defer s.runningJobs.Unlock(key)
	return s.execute(ctx, job)
}

func (s *RelayService) execute(ctx context.Context, job *etl.SyncJob) (*etl.SyncResult, error) {
	log := s.log.With(zap.String("job", job.Name))

	dest, err := s.destination(job)
	if err != nil {
		s.health.RecordError("", err.Error())
		return &etl.SyncResult{JobID: job.ID, Status: "error", Error: err.Error()}, err
	}
	engine := &etl.Engine{
		Dest:      dest,
		Builder:   s.opts.Builder,
		Validator: s.opts.Validator,
		Workers:   s.opts.Workers,
		BatchSize: s.opts.BatchSize,
		Logger:    s.log,
	}
	// Dry runs neither consult nor update the ledger and the status table.
	if job.DestType != "file" {
		engine.Ledger = s.opts.Ledger
		engine.Marker = s.opts.Marker
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	result, runErr := engine.RunSync(runCtx, job)
	if runErr != nil {
		log.Error("relay run failed", zap.Error(runErr))
		s.health.RecordError("", runErr.Error())
		s.emitter.Emit(ctx, EventJobFailed, map[string]string{"job": job.Name, "error": runErr.Error()})
		return result, runErr
	}
	s.emitter.Emit(ctx, EventJobCompleted, map[string]any{
		"job": job.Name, "written": result.RowsWritten, "skipped": result.RowsSkipped,
	})
	return result, nil
}

// destination picks where a job's payloads go.
func (s *RelayService) destination(job *etl.SyncJob) (etl.Destination, error) {
	var dest etl.Destination
	switch job.DestType {
	case "file":
		dir := job.SourceCfg.String("output_dir")
		if dir == "" {
			dir = s.opts.OutputDir
		}
		if dir == "" {
			return nil, errors.New("file destination needs an output dir")
		}
		dest = &etl.FileDestination{Dir: dir}
	case "", "routing":
		if s.opts.Routing == nil {
			return nil, errors.New("routing client not configured")
		}
		dest = &etl.RoutingDestination{Client: s.opts.Routing}
	default:
		return nil, fmt.Errorf("unknown destination %q", job.DestType)
	}
	return &observedDestination{Destination: dest, health: s.health}, nil
}

// observedDestination counts every delivered payload in Health.
type observedDestination struct {
	etl.Destination
	health *Health
}

func (d *observedDestination) Write(ctx context.Context, payloads []*visit.Payload) ([]etl.Delivered, error) {
	delivered, err := d.Destination.Write(ctx, payloads)
	for i, del := range delivered {
		var body string
		if i < len(payloads) {
			body = compactJSON(payloads[i])
		}
		d.health.RecordSent(del.Reference, del.VisitID, body)
	}
	return delivered, err
}

func compactJSON(p *visit.Payload) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p.Compact()); err != nil {
		return ""
	}
	return string(bytes.TrimSpace(buf.Bytes()))
}

// ── Preview / Schema Discovery ─────────────────────────────

// PreviewResult is the response from PreviewSource.
type PreviewResult struct {
	Schema   *etl.Schema      `json:"schema"`
	Records  []etl.Record     `json:"records"`
	Payloads []*visit.Payload `json:"payloads"`
}

// PreviewSource reads up to maxRows records and builds their payloads
// without sending anything.
func (s *RelayService) PreviewSource(ctx context.Context, sourceType string, cfg etl.SourceConfig, maxRows int) (*PreviewResult, error) {
	if maxRows <= 0 {
		maxRows = 10
	}
	engine := &etl.Engine{Builder: s.opts.Builder, Logger: s.log}

	previewCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	records, schema, err := engine.Preview(previewCtx, sourceType, cfg, maxRows)
	if err != nil {
		return nil, err
	}
	return &PreviewResult{Schema: schema, Records: records, Payloads: engine.BuildPreview(records)}, nil
}

func (s *RelayService) DiscoverSchema(ctx context.Context, sourceType string, cfg etl.SourceConfig) (*etl.Schema, error) {
	source, err := etl.GetSource(sourceType)
	if err != nil {
		return nil, err
	}

	discCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	return source.Discover(discCtx, cfg)
}

// ── Watchers (cron + file_watch) ──────────────────────────

// cronLogger routes cron's own logging through zap.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...any) { l.s.Debugw(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}

// Start schedules the stored and default jobs until Stop.
func (s *RelayService) Start(ctx context.Context) {
	s.RestartWatchers(ctx)
}

func (s *RelayService) restartIfStarted(ctx context.Context) {
	s.mu.Lock()
	started := s.cronSched != nil || s.watcher != nil
	s.mu.Unlock()
	if started {
		s.RestartWatchers(ctx)
	}
}

// RestartWatchers tears down the current watcher/cron and rebuilds them
// from the stored jobs.
func (s *RelayService) RestartWatchers(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchersLocked()

	var jobs []etl.SyncJob
	if s.opts.Store != nil {
		var err error
		if jobs, err = s.opts.Store.ListEnabledScheduledJobs(); err != nil {
			s.log.Error("list scheduled jobs", zap.Error(err))
		}
	}

	s.startCronLocked(ctx, jobs)
	s.startWatcherLocked(ctx, jobs)
}

func (s *RelayService) startCronLocked(ctx context.Context, jobs []etl.SyncJob) {
	log := s.log.Named("cron")
	c := cron.New(
		cron.WithLogger(cronLogger{s: log.Sugar()}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s: log.Sugar()})),
	)
	scheduled := 0

	if job := s.opts.DefaultJob; job != nil && s.opts.Schedule != "" {
		if _, err := c.AddFunc(s.opts.Schedule, func() {
			if _, err := s.RunAdhoc(ctx, job); err != nil && !errors.Is(err, ErrJobRunning) {
				log.Warn("default poll failed", zap.Error(err))
			}
		}); err != nil {
			log.Error("invalid schedule", zap.String("expr", s.opts.Schedule), zap.Error(err))
		} else {
			scheduled++
		}
	}

	for _, j := range jobs {
		if j.TriggerType != "schedule" || j.TriggerConfig == "" {
			continue
		}
		jid, name := j.ID, j.Name
		_, err := c.AddFunc(j.TriggerConfig, func() {
			log.Info("running job", zap.String("job", name))
			if _, err := s.RunJob(ctx, jid); err != nil {
				log.Warn("job failed", zap.String("job", name), zap.Error(err))
			}
		})
		if err != nil {
			log.Error("invalid expression", zap.String("expr", j.TriggerConfig), zap.String("job", name), zap.Error(err))
			continue
		}
		scheduled++
	}

	if scheduled == 0 {
		return
	}
	c.Start()
	s.cronSched = c
	log.Info("scheduled jobs", zap.Int("count", scheduled))
}

func (s *RelayService) startWatcherLocked(ctx context.Context, jobs []etl.SyncJob) {
	log := s.log.Named("watcher")

	pathToJob := make(map[string]string)
	for _, j := range jobs {
		if j.TriggerType != "file_watch" || j.TriggerConfig == "" {
			continue
		}
		absPath, err := filepath.Abs(j.TriggerConfig)
		if err != nil {
			log.Warn("bad path", zap.String("path", j.TriggerConfig), zap.Error(err))
			continue
		}
		pathToJob[absPath] = j.ID
	}
	if len(pathToJob) == 0 {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error("create watcher", zap.Error(err))
		return
	}
	s.watcher = watcher

	// Directories are watched so editors that replace the file still trigger.
	watchedDirs := make(map[string]bool)
	for absPath := range pathToJob {
		dir := filepath.Dir(absPath)
		if watchedDirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			log.Warn("watch dir", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watchedDirs[dir] = true
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel

	go func() {
		timers := make(map[string]*time.Timer)
		defer func() {
			for _, t := range timers {
				t.Stop()
			}
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				absPath, _ := filepath.Abs(event.Name)
				jobID, ok := pathToJob[absPath]
				if !ok {
					continue
				}
				if t, exists := timers[jobID]; exists {
					t.Stop()
				}
				timers[jobID] = time.AfterFunc(500*time.Millisecond, func() {
					log.Info("file changed", zap.String("path", absPath), zap.String("job", jobID))
					if _, err := s.RunJob(watchCtx, jobID); err != nil {
						log.Warn("run failed", zap.String("job", jobID), zap.Error(err))
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("watcher error", zap.Error(err))
			}
		}
	}()

	log.Info("watching files", zap.Int("count", len(pathToJob)))
}

// WaitRunning blocks until all running jobs finish or ctx is cancelled.
func (s *RelayService) WaitRunning(ctx context.Context) {
	s.runningJobs.WaitAll(ctx)
}

// Stop tears down all watchers and schedulers.
func (s *RelayService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchersLocked()
}

func (s *RelayService) stopWatchersLocked() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
}
