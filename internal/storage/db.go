package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Register SQLite driver
	"github.com/rossigee/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

const jobColumns = `id, user_id, type, status, story_id, storyboard_id, project_id,
	payload_json, snapshot_json, progress_version, fingerprint, error_message,
	started_at, finished_at, created_at, updated_at`

const assetColumns = `id, project_id, user_id, job_id, kind, storage_key, url,
	mime_type, size_bytes, metadata_json, created_at, updated_at`

// Store provides SQLite-based persistence
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	now    func() time.Time
}

// NewStore initializes a new SQLite store
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One connection serializes writers; every connection to ":memory:"
	// would also be a separate database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

	if err := store.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database connection after init error")
		}
		return nil, err
	}

	logrus.WithField("db_path", dbPath).Info("Initialized job storage database")
	return store, nil
}

func sqliteDSN(dbPath string) string {
	if dbPath == ":memory:" {
		return dbPath
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_busy_timeout=5000&_journal_mode=WAL"
}

// initSchema applies all pending migrations
func (s *Store) initSchema() error {
	currentVersion := 0
	row := s.db.QueryRowContext(context.Background(), "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	_ = row.Scan(&currentVersion) // schema_version may not exist yet

	for _, migration := range Migrations {
		if migration.Version <= currentVersion {
			continue
		}

		logrus.WithField("version", migration.Version).Info("Applying schema migration")

		if _, err := s.db.ExecContext(context.Background(), migration.SQL); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", migration.Version, err)
		}

		if _, err := s.db.ExecContext(context.Background(),
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			migration.Version,
			time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", migration.Version, err)
		}

		currentVersion = migration.Version
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	record := &JobRecord{}
	var status string
	var payload, snapshot string
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
		&payload,
		&snapshot,
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
	record.PayloadJSON = []byte(payload)
	record.SnapshotJSON = []byte(snapshot)
	record.StartedAt = FromMillisPtr(startedAt)
	record.FinishedAt = FromMillisPtr(finishedAt)
	record.CreatedAt = FromMillis(createdAt)
	record.UpdatedAt = FromMillis(updatedAt)
	return record, nil
}

// CreateJob inserts a new queued job
func (s *Store) CreateJob(ctx context.Context, record *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = record.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs
		 (id, user_id, type, status, story_id, storyboard_id, project_id,
		  payload_json, snapshot_json, progress_version, fingerprint, error_message,
		  created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.UserID,
		record.Type,
		string(record.Status),
		record.StoryID,
		record.StoryboardID,
		record.ProjectID,
		string(record.PayloadJSON),
		string(record.SnapshotJSON),
		record.ProgressVersion,
		record.Fingerprint,
		record.ErrorMessage,
		record.CreatedAt.UnixMilli(),
		record.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	record, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return record, nil
}

// ClaimNextJob moves the oldest queued job of the given type to running. The
// status condition on the outer UPDATE makes the claim exclusive even if two
// processes share the database file.
func (s *Store) ClaimNextJob(ctx context.Context, jobType string, snapshot []byte) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET status = ?, started_at = ?, updated_at = ?, snapshot_json = ?,
		     progress_version = progress_version + 1
		 WHERE id = (
			SELECT id FROM jobs
			WHERE type = ? AND status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		 ) AND status = ?
		 RETURNING `+jobColumns,
		string(types.StatusRunning),
		now,
		now,
		string(snapshot),
		jobType,
		string(types.StatusQueued),
		string(types.StatusQueued),
	)
	record, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJobAvailable
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return record, nil
}

// UpdateSnapshot replaces the snapshot of a running job
func (s *Store) UpdateSnapshot(ctx context.Context, id string, snapshot []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET snapshot_json = ?, progress_version = progress_version + 1, updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING progress_version`,
		string(snapshot),
		s.now().UnixMilli(),
		id,
		string(types.StatusRunning),
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrJobNotRunning, id)
		}
		return 0, fmt.Errorf("failed to update snapshot: %w", err)
	}
	return version, nil
}

// FinishJob moves a running job to done or error
func (s *Store) FinishJob(ctx context.Context, id string, status types.JobStatus, snapshot []byte, errMsg string) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("finish job %s: status %q is not terminal", id, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	var version int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET status = ?, snapshot_json = ?, error_message = ?,
		     progress_version = progress_version + 1, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING progress_version`,
		string(status),
		string(snapshot),
		errMsg,
		now,
		now,
		id,
		string(types.StatusRunning),
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrJobNotRunning, id)
		}
		return 0, fmt.Errorf("failed to finish job: %w", err)
	}
	return version, nil
}

// ListJobs retrieves a user's jobs, most recent first
func (s *Store) ListJobs(ctx context.Context, filter ListJobsFilter) ([]*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + jobColumns + " FROM jobs WHERE user_id = ?"
	args := []any{filter.UserID}

	if filter.StoryID != "" {
		query += " AND story_id = ?"
		args = append(args, filter.StoryID)
	}
	if filter.ActiveOnly {
		query += " AND status IN (?, ?)"
		args = append(args, string(types.StatusQueued), string(types.StatusRunning))
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, NormalizeLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	var records []*JobRecord
	for rows.Next() {
		record, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return records, nil
}

// FindReusableJob returns the latest done job for the same request fingerprint
func (s *Store) FindReusableJob(ctx context.Context, userID, jobType, fingerprint, excludeID string) (*JobRecord, error) {
	if fingerprint == "" {
		return nil, ErrJobNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+` FROM jobs
		 WHERE user_id = ? AND type = ? AND fingerprint = ? AND status = ? AND id != ?
		 ORDER BY finished_at DESC, id DESC
		 LIMIT 1`,
		userID,
		jobType,
		fingerprint,
		string(types.StatusDone),
		excludeID,
	)
	record, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to query reusable job: %w", err)
	}
	return record, nil
}

// FailStaleJobs marks running jobs that stopped reporting as failed
func (s *Store) FailStaleJobs(ctx context.Context, olderThan time.Duration, snapshot []byte, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-olderThan).UnixMilli()
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, error_message = ?, snapshot_json = ?,
		     progress_version = progress_version + 1, finished_at = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		string(types.StatusError),
		message,
		string(snapshot),
		now.UnixMilli(),
		now.UnixMilli(),
		string(types.StatusRunning),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale jobs as failed: %w", err)
	}

	failed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return failed, nil
}

// GetJobCount returns the count of jobs with a given status
func (s *Store) GetJobCount(ctx context.Context, status types.JobStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE status = ?", string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get job count: %w", err)
	}

	return count, nil
}

// CreateProject inserts a project
func (s *Store) CreateProject(ctx context.Context, record *ProjectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO projects (id, user_id, name, created_at) VALUES (?, ?, ?, ?)",
		record.ID,
		record.UserID,
		record.Name,
		record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(ctx context.Context, id string) (*ProjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record := &ProjectRecord{}
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, created_at FROM projects WHERE id = ?", id,
	).Scan(&record.ID, &record.UserID, &record.Name, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
		}
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	record.CreatedAt = FromMillis(createdAt)
	return record, nil
}

// SaveAsset persists or updates an asset record
func (s *Store) SaveAsset(ctx context.Context, record *AssetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				logrus.WithError(rollbackErr).Warn("Failed to rollback transaction")
			}
		}
	}()

	now := s.now().UnixMilli()
	metadata := record.MetadataJSON
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	// A write always lands past every row already in the project, so a
	// client holding the latest cursor cannot miss it
	var projectMax int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(updated_at), 0) FROM assets WHERE project_id = ?",
		record.ProjectID,
	).Scan(&projectMax); err != nil {
		return fmt.Errorf("failed to read latest asset timestamp: %w", err)
	}
	if now <= projectMax {
		now = projectMax + 1
	}

	var previous int64
	err = tx.QueryRowContext(ctx, "SELECT updated_at FROM assets WHERE id = ?", record.ID).Scan(&previous)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if record.CreatedAt.IsZero() {
			record.CreatedAt = FromMillis(now)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO assets (`+assetColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID,
			record.ProjectID,
			record.UserID,
			record.JobID,
			record.Kind,
			record.StorageKey,
			record.URL,
			record.MIMEType,
			record.SizeBytes,
			string(metadata),
			record.CreatedAt.UnixMilli(),
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert asset: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to check asset existence: %w", err)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE assets
			 SET kind = ?, storage_key = ?, url = ?, mime_type = ?, size_bytes = ?,
			     metadata_json = ?, updated_at = ?
			 WHERE id = ?`,
			record.Kind,
			record.StorageKey,
			record.URL,
			record.MIMEType,
			record.SizeBytes,
			string(metadata),
			now,
			record.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update asset: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	record.MetadataJSON = metadata
	record.UpdatedAt = FromMillis(now)
	return nil
}

// ListAssetsAfter returns the next batch of assets past the cursor
func (s *Store) ListAssetsAfter(ctx context.Context, projectID string, after Cursor, limit int) ([]*AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+assetColumns+` FROM assets
		 WHERE project_id = ? AND (updated_at > ? OR (updated_at = ? AND id > ?))
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		projectID,
		after.UpdatedAtMillis,
		after.UpdatedAtMillis,
		after.ID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	var records []*AssetRecord
	for rows.Next() {
		record := &AssetRecord{}
		var metadata string
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
			&metadata,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		record.MetadataJSON = []byte(metadata)
		record.CreatedAt = FromMillis(createdAt)
		record.UpdatedAt = FromMillis(updatedAt)
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}

	return records, nil
}

// LatestAssetCursor returns the cursor of the most recently updated asset
func (s *Store) LatestAssetCursor(ctx context.Context, projectID string) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cursor Cursor
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at, id FROM assets
		 WHERE project_id = ?
		 ORDER BY updated_at DESC, id DESC
		 LIMIT 1`,
		projectID,
	).Scan(&cursor.UpdatedAtMillis, &cursor.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cursor{}, nil
		}
		return Cursor{}, fmt.Errorf("failed to query latest asset: %w", err)
	}
	return cursor, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}
	return nil
}

var _ Backend = (*Store)(nil)
