package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rossigee/reelforge/internal/storage"
	"github.com/rossigee/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

var jobColumnNames = []string{
	"id", "user_id", "type", "status", "story_id", "storyboard_id", "project_id",
	"payload_json", "snapshot_json", "progress_version", "fingerprint", "error_message",
	"started_at", "finished_at", "created_at", "updated_at",
}

var jobColumns = strings.Join(jobColumnNames, ", ")

const assetColumns = `id, project_id, user_id, job_id, kind, storage_key, url,
	mime_type, size_bytes, metadata_json, created_at, updated_at`

// qualified prefixes every job column with the table name
func qualified(table string) string {
	cols := make([]string, len(jobColumnNames))
	for i, c := range jobColumnNames {
		cols[i] = table + "." + c
	}
	return strings.Join(cols, ", ")
}

// Store implements storage.Backend on PostgreSQL
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore connects to PostgreSQL and, when cfg.AutoMigrate is set, applies
// pending migrations.
func NewStore(ctx context.Context, cfg *PoolConfig) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"host":      pool.Config().ConnConfig.Host,
		"database":  pool.Config().ConnConfig.Database,
		"max_conns": cfg.MaxConns,
	}).Info("Connected to PostgreSQL")

	return &Store{pool: pool, now: time.Now}, nil
}

// NewStoreFromPool wraps an existing pool
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func scanJob(row pgx.Row) (*storage.JobRecord, error) {
	record := &storage.JobRecord{}
	var status string
	var startedAt, finishedAt *int64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.Type,
		&status,
		&record.StoryID,
		&record.StoryboardID,
		&record.ProjectID,
		&record.PayloadJSON,
		&record.SnapshotJSON,
		&record.ProgressVersion,
		&record.Fingerprint,
		&record.ErrorMessage,
		&startedAt,
		&finishedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	record.Status = types.JobStatus(status)
	record.StartedAt = storage.FromMillisPtr(startedAt)
	record.FinishedAt = storage.FromMillisPtr(finishedAt)
	record.CreatedAt = storage.FromMillis(createdAt)
	record.UpdatedAt = storage.FromMillis(updatedAt)
	return record, nil
}

func jsonOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

// CreateJob inserts a new queued job
func (s *Store) CreateJob(ctx context.Context, record *storage.JobRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	record.UpdatedAt = record.CreatedAt

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs
		 (id, user_id, type, status, story_id, storyboard_id, project_id,
		  payload_json, snapshot_json, progress_version, fingerprint, error_message,
		  created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		record.ID,
		record.UserID,
		record.Type,
		string(record.Status),
		record.StoryID,
		record.StoryboardID,
		record.ProjectID,
		jsonOrEmpty(record.PayloadJSON),
		jsonOrEmpty(record.SnapshotJSON),
		record.ProgressVersion,
		record.Fingerprint,
		record.ErrorMessage,
		record.CreatedAt.UnixMilli(),
		record.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", mapPostgresError(err))
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*storage.JobRecord, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id)
	record, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to query job: %w", mapPostgresError(err))
	}
	return record, nil
}

// ClaimNextJob claims the oldest queued job of the type using
// SELECT FOR UPDATE SKIP LOCKED, so concurrent workers never block on or
// double-claim the same row.
func (s *Store) ClaimNextJob(ctx context.Context, jobType string, snapshot []byte) (*storage.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `
		WITH next_job AS (
			SELECT id FROM jobs
			WHERE type = $1 AND status = $2
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs
		SET status = $3, started_at = $4, updated_at = $4, snapshot_json = $5,
		    progress_version = jobs.progress_version + 1
		FROM next_job
		WHERE jobs.id = next_job.id
		RETURNING `+qualified("jobs"),
		jobType,
		string(types.StatusQueued),
		string(types.StatusRunning),
		s.now().UnixMilli(),
		jsonOrEmpty(snapshot),
	)
	record, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNoJobAvailable
		}
		return nil, fmt.Errorf("failed to claim job: %w", mapPostgresError(err))
	}
	return record, nil
}

// UpdateSnapshot replaces the snapshot of a running job
func (s *Store) UpdateSnapshot(ctx context.Context, id string, snapshot []byte) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET snapshot_json = $1, progress_version = progress_version + 1, updated_at = $2
		 WHERE id = $3 AND status = $4
		 RETURNING progress_version`,
		jsonOrEmpty(snapshot),
		s.now().UnixMilli(),
		id,
		string(types.StatusRunning),
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", storage.ErrJobNotRunning, id)
		}
		return 0, fmt.Errorf("failed to update snapshot: %w", mapPostgresError(err))
	}
	return version, nil
}

// FinishJob moves a running job to done or error
func (s *Store) FinishJob(ctx context.Context, id string, status types.JobStatus, snapshot []byte, errMsg string) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("finish job %s: status %q is not terminal", id, status)
	}

	now := s.now().UnixMilli()
	var version int64
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = $1, snapshot_json = $2, error_message = $3,
		     progress_version = progress_version + 1, finished_at = $4, updated_at = $4
		 WHERE id = $5 AND status = $6
		 RETURNING progress_version`,
		string(status),
		jsonOrEmpty(snapshot),
		errMsg,
		now,
		id,
		string(types.StatusRunning),
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", storage.ErrJobNotRunning, id)
		}
		return 0, fmt.Errorf("failed to finish job: %w", mapPostgresError(err))
	}
	return version, nil
}

// ListJobs retrieves a user's jobs, most recent first
func (s *Store) ListJobs(ctx context.Context, filter storage.ListJobsFilter) ([]*storage.JobRecord, error) {
	args := []any{filter.UserID}
	query := "SELECT " + jobColumns + " FROM jobs WHERE user_id = $1"

	if filter.StoryID != "" {
		args = append(args, filter.StoryID)
		query += fmt.Sprintf(" AND story_id = $%d", len(args))
	}
	if filter.ActiveOnly {
		args = append(args, []string{string(types.StatusQueued), string(types.StatusRunning)})
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	args = append(args, storage.NormalizeLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var records []*storage.JobRecord
	for rows.Next() {
		record, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", mapPostgresError(err))
	}
	return records, nil
}

// FindReusableJob returns the latest done job for the same request fingerprint
func (s *Store) FindReusableJob(ctx context.Context, userID, jobType, fingerprint, excludeID string) (*storage.JobRecord, error) {
	if fingerprint == "" {
		return nil, storage.ErrJobNotFound
	}

	row := s.pool.QueryRow(ctx,
		"SELECT "+jobColumns+` FROM jobs
		 WHERE user_id = $1 AND type = $2 AND fingerprint = $3 AND status = $4 AND id <> $5
		 ORDER BY finished_at DESC NULLS LAST, id DESC
		 LIMIT 1`,
		userID,
		jobType,
		fingerprint,
		string(types.StatusDone),
		excludeID,
	)
	record, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to query reusable job: %w", mapPostgresError(err))
	}
	return record, nil
}

// FailStaleJobs marks running jobs that stopped reporting as failed
func (s *Store) FailStaleJobs(ctx context.Context, olderThan time.Duration, snapshot []byte, message string) (int64, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = $1, error_message = $2, snapshot_json = $3,
		     progress_version = progress_version + 1, finished_at = $4, updated_at = $4
		 WHERE status = $5 AND updated_at < $6`,
		string(types.StatusError),
		message,
		jsonOrEmpty(snapshot),
		now.UnixMilli(),
		string(types.StatusRunning),
		now.Add(-olderThan).UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale jobs as failed: %w", mapPostgresError(err))
	}
	return tag.RowsAffected(), nil
}

// GetJobCount returns the count of jobs with a given status
func (s *Store) GetJobCount(ctx context.Context, status types.JobStatus) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE status = $1", string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get job count: %w", mapPostgresError(err))
	}
	return count, nil
}

// CreateProject inserts a project
func (s *Store) CreateProject(ctx context.Context, record *storage.ProjectRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx,
		"INSERT INTO projects (id, user_id, name, created_at) VALUES ($1, $2, $3, $4)",
		record.ID,
		record.UserID,
		record.Name,
		record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", mapPostgresError(err))
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(ctx context.Context, id string) (*storage.ProjectRecord, error) {
	record := &storage.ProjectRecord{}
	var createdAt int64
	err := s.pool.QueryRow(ctx,
		"SELECT id, user_id, name, created_at FROM projects WHERE id = $1", id,
	).Scan(&record.ID, &record.UserID, &record.Name, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrProjectNotFound, id)
		}
		return nil, fmt.Errorf("failed to query project: %w", mapPostgresError(err))
	}
	record.CreatedAt = storage.FromMillis(createdAt)
	return record, nil
}

// SaveAsset upserts an asset. Writes to one project are serialized with an
// advisory lock and stamped GREATEST(now, project max + 1), so a row saved
// later always sorts after every row saved before it.
func (s *Store) SaveAsset(ctx context.Context, record *storage.AssetRecord) error {
	now := s.now().UnixMilli()
	createdAt := now
	if !record.CreatedAt.IsZero() {
		createdAt = record.CreatedAt.UnixMilli()
	}
	metadata := jsonOrEmpty(record.MetadataJSON)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			logrus.WithError(err).Warn("Failed to rollback transaction")
		}
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", record.ProjectID); err != nil {
		return fmt.Errorf("failed to lock project assets: %w", mapPostgresError(err))
	}

	var storedCreated, storedUpdated int64
	err = tx.QueryRow(ctx,
		`INSERT INTO assets (`+assetColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			GREATEST($12::bigint, (SELECT COALESCE(MAX(updated_at), 0) + 1 FROM assets WHERE project_id = $2)))
		 ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			storage_key = EXCLUDED.storage_key,
			url = EXCLUDED.url,
			mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes,
			metadata_json = EXCLUDED.metadata_json,
			updated_at = EXCLUDED.updated_at
		 RETURNING created_at, updated_at`,
		record.ID,
		record.ProjectID,
		record.UserID,
		record.JobID,
		record.Kind,
		record.StorageKey,
		record.URL,
		record.MIMEType,
		record.SizeBytes,
		metadata,
		createdAt,
		now,
	).Scan(&storedCreated, &storedUpdated)
	if err != nil {
		return fmt.Errorf("failed to save asset: %w", mapPostgresError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit asset: %w", mapPostgresError(err))
	}

	record.MetadataJSON = metadata
	record.CreatedAt = storage.FromMillis(storedCreated)
	record.UpdatedAt = storage.FromMillis(storedUpdated)
	return nil
}

// ListAssetsAfter returns the next batch of assets past the cursor
func (s *Store) ListAssetsAfter(ctx context.Context, projectID string, after storage.Cursor, limit int) ([]*storage.AssetRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		"SELECT "+assetColumns+` FROM assets
		 WHERE project_id = $1 AND (updated_at, id) > ($2, $3)
		 ORDER BY updated_at ASC, id ASC
		 LIMIT $4`,
		projectID,
		after.UpdatedAtMillis,
		after.ID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var records []*storage.AssetRecord
	for rows.Next() {
		record := &storage.AssetRecord{}
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&record.ID,
			&record.ProjectID,
			&record.UserID,
			&record.JobID,
			&record.Kind,
			&record.StorageKey,
			&record.URL,
			&record.MIMEType,
			&record.SizeBytes,
			&record.MetadataJSON,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		record.CreatedAt = storage.FromMillis(createdAt)
		record.UpdatedAt = storage.FromMillis(updatedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", mapPostgresError(err))
	}
	return records, nil
}

// LatestAssetCursor returns the cursor of the most recently updated asset
func (s *Store) LatestAssetCursor(ctx context.Context, projectID string) (storage.Cursor, error) {
	var cursor storage.Cursor
	err := s.pool.QueryRow(ctx,
		`SELECT updated_at, id FROM assets
		 WHERE project_id = $1
		 ORDER BY updated_at DESC, id DESC
		 LIMIT 1`,
		projectID,
	).Scan(&cursor.UpdatedAtMillis, &cursor.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Cursor{}, nil
		}
		return storage.Cursor{}, fmt.Errorf("failed to query latest asset: %w", mapPostgresError(err))
	}
	return cursor, nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ storage.Backend = (*Store)(nil)
