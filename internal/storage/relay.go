package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"visitrelay/internal/etl"
)

// RunLogLimit is how many run logs are kept per job.
const RunLogLimit = 50

// RelayStore implements persistence for relay jobs and run logs.
type RelayStore struct {
	db *DB
}

// NewRelayStore creates a new RelayStore.
func NewRelayStore(db *DB) *RelayStore {
	return &RelayStore{db: db}
}

// ── Job CRUD ───────────────────────────────────────────────

const jobColumns = `id, name, source_type, source_config, transforms, dest_type,
	 dedupe_key, trigger_type, trigger_config, enabled,
	 last_run_at, last_status, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*etl.SyncJob, error) {
	job := &etl.SyncJob{}
	var srcCfg, transforms string
	var lastRun sql.NullTime
	if err := row.Scan(
		&job.ID, &job.Name, &job.SourceType, &srcCfg, &transforms, &job.DestType,
		&job.DedupeKey, &job.TriggerType, &job.TriggerConfig, &job.Enabled,
		&lastRun, &job.LastStatus, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastRun.Valid {
		job.LastRunAt = lastRun.Time
	}
	if err := json.Unmarshal([]byte(srcCfg), &job.SourceCfg); err != nil {
		return nil, fmt.Errorf("job %s source config: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(transforms), &job.Transforms); err != nil {
		return nil, fmt.Errorf("job %s transforms: %w", job.ID, err)
	}
	return job, nil
}

func (s *RelayStore) CreateJob(job *etl.SyncJob) error {
	now := time.Now()
	job.ID = uuid.New().String()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.DestType == "" {
		job.DestType = "routing"
	}
	if job.TriggerType == "" {
		job.TriggerType = "manual"
	}

	srcCfg, err := json.Marshal(job.SourceCfg)
	if err != nil {
		return fmt.Errorf("encode source config: %w", err)
	}
	transforms, err := json.Marshal(job.Transforms)
	if err != nil {
		return fmt.Errorf("encode transforms: %w", err)
	}

	_, err = s.db.conn.Exec(
		`INSERT INTO relay_jobs (id, name, source_type, source_config, transforms, dest_type,
		 dedupe_key, trigger_type, trigger_config, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.SourceType, string(srcCfg), string(transforms), job.DestType,
		job.DedupeKey, job.TriggerType, job.TriggerConfig, job.Enabled,
		job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (s *RelayStore) GetJob(id string) (*etl.SyncJob, error) {
	job, err := scanJob(s.db.conn.QueryRow(`SELECT `+jobColumns+` FROM relay_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relay job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// GetJobByName looks a job up by its unique name.
func (s *RelayStore) GetJobByName(name string) (*etl.SyncJob, error) {
	job, err := scanJob(s.db.conn.QueryRow(`SELECT `+jobColumns+` FROM relay_jobs WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relay job %q: %w", name, ErrNotFound)
	}
	return job, err
}

func (s *RelayStore) UpdateJob(job *etl.SyncJob) error {
	job.UpdatedAt = time.Now()
	srcCfg, err := json.Marshal(job.SourceCfg)
	if err != nil {
		return fmt.Errorf("encode source config: %w", err)
	}
	transforms, err := json.Marshal(job.Transforms)
	if err != nil {
		return fmt.Errorf("encode transforms: %w", err)
	}

	res, err := s.db.conn.Exec(
		`UPDATE relay_jobs SET name=?, source_type=?, source_config=?, transforms=?,
		 dest_type=?, dedupe_key=?, trigger_type=?, trigger_config=?,
		 enabled=?, updated_at=? WHERE id=?`,
		job.Name, job.SourceType, string(srcCfg), string(transforms),
		job.DestType, job.DedupeKey, job.TriggerType, job.TriggerConfig,
		job.Enabled, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, "relay job", job.ID)
}

func (s *RelayStore) UpdateJobStatus(id, status, errMsg string) error {
	now := time.Now()
	_, err := s.db.conn.Exec(
		`UPDATE relay_jobs SET last_run_at=?, last_status=?, last_error=?, updated_at=? WHERE id=?`,
		now, status, errMsg, now, id,
	)
	return err
}

func (s *RelayStore) DeleteJob(id string) error {
	if _, err := s.db.conn.Exec(`DELETE FROM relay_run_logs WHERE job_id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.conn.Exec(`DELETE FROM relay_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "relay job", id)
}

func (s *RelayStore) ListJobs() ([]etl.SyncJob, error) {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM relay_jobs ORDER BY created_at ASC`)
}

// ListEnabledScheduledJobs returns enabled jobs with a schedule or file-watch trigger.
func (s *RelayStore) ListEnabledScheduledJobs() ([]etl.SyncJob, error) {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM relay_jobs
		 WHERE enabled = 1 AND trigger_type IN ('schedule', 'file_watch')
		 ORDER BY created_at ASC`)
}

func (s *RelayStore) queryJobs(query string) ([]etl.SyncJob, error) {
	rows, err := s.db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []etl.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ── Run Logs ───────────────────────────────────────────────

// CreateRunLog stores a run and prunes the job's history to RunLogLimit.
func (s *RelayStore) CreateRunLog(log *etl.SyncRunLog) error {
	log.ID = uuid.New().String()
	_, err := s.db.conn.Exec(
		`INSERT INTO relay_run_logs (id, job_id, started_at, finished_at, status,
		 rows_read, rows_built, rows_skipped, rows_written, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.JobID, log.StartedAt, log.FinishedAt, log.Status,
		log.RowsRead, log.RowsBuilt, log.RowsSkipped, log.RowsWritten, log.Error,
	)
	if err != nil {
		return err
	}
	_, err = s.db.conn.Exec(
		`DELETE FROM relay_run_logs WHERE job_id = ? AND id NOT IN (
			SELECT id FROM relay_run_logs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?)`,
		log.JobID, log.JobID, RunLogLimit,
	)
	return err
}

func (s *RelayStore) ListRunLogs(jobID string, limit int) ([]etl.SyncRunLog, error) {
	if limit <= 0 || limit > RunLogLimit {
		limit = RunLogLimit
	}
	rows, err := s.db.conn.Query(
		`SELECT id, job_id, started_at, finished_at, status,
		 rows_read, rows_built, rows_skipped, rows_written, error
		 FROM relay_run_logs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []etl.SyncRunLog
	for rows.Next() {
		var l etl.SyncRunLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.StartedAt, &l.FinishedAt, &l.Status,
			&l.RowsRead, &l.RowsBuilt, &l.RowsSkipped, &l.RowsWritten, &l.Error); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
