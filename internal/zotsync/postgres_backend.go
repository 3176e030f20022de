package zotsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend persists all sync state in PostgreSQL. The relational
// tables are the durable queue: ClaimDueJobs uses SELECT ... FOR UPDATE
// SKIP LOCKED so concurrent dispatchers never double-claim, and a partial
// unique index enforces the one-active-job invariant at the database level.
type PostgresBackend struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{dsn: dsn, openDB: sql.Open}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS zotero_connections (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		zotero_user_id TEXT NOT NULL,
		api_key TEXT NOT NULL,
		library_version INTEGER NOT NULL DEFAULT 0,
		strategy TEXT NOT NULL DEFAULT 'zotero_wins',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS zotero_sync_jobs (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		job_type TEXT NOT NULL,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		scheduled_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		next_retry_at TIMESTAMPTZ,
		error_message TEXT NOT NULL DEFAULT '',
		error_details TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		items_processed INTEGER NOT NULL DEFAULT 0,
		items_added INTEGER NOT NULL DEFAULT 0,
		items_updated INTEGER NOT NULL DEFAULT 0,
		items_deleted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS zotero_sync_jobs_active_idx
		ON zotero_sync_jobs (connection_id, job_type)
		WHERE status IN ('queued', 'running', 'retrying')`,
	`CREATE INDEX IF NOT EXISTS zotero_sync_jobs_due_idx
		ON zotero_sync_jobs (priority, scheduled_at)
		WHERE status IN ('queued', 'retrying')`,
	`CREATE TABLE IF NOT EXISTS zotero_sync_conflicts (
		id TEXT PRIMARY KEY,
		sync_job_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		item_key TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		local_version TEXT,
		remote_version TEXT,
		strategy TEXT NOT NULL,
		resolution_status TEXT NOT NULL,
		resolution_notes TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMPTZ,
		resolved_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS zotero_library_items (
		connection_id TEXT NOT NULL,
		key TEXT NOT NULL,
		version INTEGER NOT NULL,
		item_type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		date_modified TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_synced_at TIMESTAMPTZ,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (connection_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS zotero_annotations (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		attachment_key TEXT NOT NULL,
		zotero_key TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		position TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		sync_status TEXT NOT NULL,
		last_synced_at TIMESTAMPTZ,
		version INTEGER NOT NULL DEFAULT 0,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS zotero_annotations_pending_idx
		ON zotero_annotations (connection_id, created_at)
		WHERE sync_status = 'pending' AND NOT deleted`,
	`CREATE TABLE IF NOT EXISTS zotero_webhook_endpoints (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL,
		status TEXT NOT NULL,
		error_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS zotero_webhook_events (
		id TEXT PRIMARY KEY,
		endpoint_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		processing_status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		sync_job_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range postgresSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

const jobColumns = `id, connection_id, job_type, priority, status, scheduled_at,
	started_at, completed_at, retry_count, max_retries, next_retry_at,
	error_message, error_details, metadata,
	items_processed, items_added, items_updated, items_deleted,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*SyncJob, error) {
	var (
		job                               SyncJob
		startedAt, completedAt, nextRetry sql.NullTime
		errorDetails, metadata            string
	)
	err := row.Scan(
		&job.ID, &job.ConnectionID, &job.JobType, &job.Priority, &job.Status, &job.ScheduledAt,
		&startedAt, &completedAt, &job.RetryCount, &job.MaxRetries, &nextRetry,
		&job.ErrorMessage, &errorDetails, &metadata,
		&job.ItemsProcessed, &job.ItemsAdded, &job.ItemsUpdated, &job.ItemsDeleted,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if nextRetry.Valid {
		job.NextRetryAt = &nextRetry.Time
	}
	if errorDetails != "" {
		if err := json.Unmarshal([]byte(errorDetails), &job.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error_details for job %s: %w", job.ID, err)
		}
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func jobJSONColumns(job *SyncJob) (string, string, error) {
	details := job.ErrorDetails
	if details == nil {
		details = []JobError{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return "", "", err
	}
	metadata := job.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", "", err
	}
	return string(detailsJSON), string(metadataJSON), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (b *PostgresBackend) InsertJob(ctx context.Context, job *SyncJob) error {
	if job == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	details, metadata, err := jobJSONColumns(job)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO zotero_sync_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		job.ID, job.ConnectionID, job.JobType, job.Priority, job.Status, job.ScheduledAt,
		nullTime(job.StartedAt), nullTime(job.CompletedAt), job.RetryCount, job.MaxRetries, nullTime(job.NextRetryAt),
		job.ErrorMessage, details, metadata,
		job.ItemsProcessed, job.ItemsAdded, job.ItemsUpdated, job.ItemsDeleted,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "zotero_sync_jobs_active_idx") {
		return fmt.Errorf("%w: active %s job exists for connection %s", ErrInvalidState, job.JobType, job.ConnectionID)
	}
	return err
}

func (b *PostgresBackend) GetJob(ctx context.Context, id string) (*SyncJob, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM zotero_sync_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return job, err
}

func (b *PostgresBackend) UpdateJob(ctx context.Context, job *SyncJob) error {
	if job == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	details, metadata, err := jobJSONColumns(job)
	if err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE zotero_sync_jobs SET
			status = $2, scheduled_at = $3, started_at = $4, completed_at = $5,
			retry_count = $6, next_retry_at = $7, error_message = $8, error_details = $9,
			items_processed = $10, items_added = $11, items_updated = $12, items_deleted = $13,
			updated_at = $14, priority = $15, metadata = $16
		WHERE id = $1`,
		job.ID, job.Status, job.ScheduledAt, nullTime(job.StartedAt), nullTime(job.CompletedAt),
		job.RetryCount, nullTime(job.NextRetryAt), job.ErrorMessage, details,
		job.ItemsProcessed, job.ItemsAdded, job.ItemsUpdated, job.ItemsDeleted,
		job.UpdatedAt, job.Priority, metadata,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s", ErrNotFound, job.ID)
	}
	return nil
}

func (b *PostgresBackend) ListJobs(ctx context.Context, f JobFilter) ([]*SyncJob, int, error) {
	if err := b.ensureReady(); err != nil {
		return nil, 0, err
	}
	where := []string{"TRUE"}
	args := []any{}
	if f.ConnectionID != "" {
		args = append(args, f.ConnectionID)
		where = append(where, fmt.Sprintf("connection_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			args = append(args, string(s))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM zotero_sync_jobs WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := clampLimit(f.Limit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM zotero_sync_jobs WHERE %s
		ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args))
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := make([]*SyncJob, 0, limit)
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, 0, scanErr
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func (b *PostgresBackend) FindActiveJob(ctx context.Context, connectionID string, jobType JobType) (*SyncJob, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM zotero_sync_jobs
		WHERE connection_id = $1 AND job_type = $2 AND status IN ('queued', 'running', 'retrying')
		ORDER BY created_at ASC LIMIT 1`, connectionID, jobType)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active %s job for connection %s", ErrNotFound, jobType, connectionID)
	}
	return job, err
}

func (b *PostgresBackend) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*SyncJob, error) {
	if limit <= 0 {
		limit = 10
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM zotero_sync_jobs
		WHERE (status = 'queued' AND scheduled_at <= $1)
		   OR (status = 'retrying' AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	claimed := make([]*SyncJob, 0, limit)
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, job := range claimed {
		started := now
		job.Status = JobStatusRunning
		job.StartedAt = &started
		job.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE zotero_sync_jobs SET status = 'running', started_at = $2, updated_at = $2 WHERE id = $1`,
			job.ID, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return claimed, nil
}

func (b *PostgresBackend) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM zotero_sync_jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (b *PostgresBackend) JobStats(ctx context.Context, now time.Time) (JobStats, error) {
	var stats JobStats
	if err := b.ensureReady(); err != nil {
		return stats, err
	}
	rows, err := b.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM zotero_sync_jobs GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.Total += count
		switch JobStatus(status) {
		case JobStatusQueued:
			stats.Queued = count
		case JobStatusRunning:
			stats.Running = count
		case JobStatusCompleted:
			stats.Completed = count
		case JobStatusFailed:
			stats.Failed = count
		case JobStatusCancelled:
			stats.Cancelled = count
		case JobStatusRetrying:
			stats.Retrying = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	err = b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM zotero_sync_jobs
		WHERE (status = 'queued' AND scheduled_at <= $1)
		   OR (status = 'retrying' AND next_retry_at IS NOT NULL AND next_retry_at <= $1)`, now).Scan(&stats.DueNow)
	return stats, err
}

func (b *PostgresBackend) InsertConflict(ctx context.Context, c *SyncConflict) error {
	if c == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO zotero_sync_conflicts
			(id, sync_job_id, connection_id, item_key, conflict_type, local_version, remote_version,
			 strategy, resolution_status, resolution_notes, resolved_at, resolved_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.SyncJobID, c.ConnectionID, c.ItemKey, c.ConflictType,
		string(c.LocalVersion), string(c.RemoteVersion),
		c.Strategy, c.ResolutionStatus, c.ResolutionNotes, nullTime(c.ResolvedAt), c.ResolvedBy, c.CreatedAt,
	)
	return err
}

const conflictColumns = `id, sync_job_id, connection_id, item_key, conflict_type,
	local_version, remote_version, strategy, resolution_status, resolution_notes,
	resolved_at, resolved_by, created_at`

func scanConflict(row rowScanner) (*SyncConflict, error) {
	var (
		c             SyncConflict
		local, remote sql.NullString
		resolvedAt    sql.NullTime
	)
	err := row.Scan(&c.ID, &c.SyncJobID, &c.ConnectionID, &c.ItemKey, &c.ConflictType,
		&local, &remote, &c.Strategy, &c.ResolutionStatus, &c.ResolutionNotes,
		&resolvedAt, &c.ResolvedBy, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if local.Valid {
		c.LocalVersion = json.RawMessage(local.String)
	}
	if remote.Valid {
		c.RemoteVersion = json.RawMessage(remote.String)
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	return &c, nil
}

func (b *PostgresBackend) GetConflict(ctx context.Context, id string) (*SyncConflict, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM zotero_sync_conflicts WHERE id = $1`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conflict %s", ErrNotFound, id)
	}
	return c, err
}

func (b *PostgresBackend) UpdateConflict(ctx context.Context, c *SyncConflict) error {
	if c == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE zotero_sync_conflicts SET
			strategy = $2, resolution_status = $3, resolution_notes = $4,
			resolved_at = $5, resolved_by = $6
		WHERE id = $1`,
		c.ID, c.Strategy, c.ResolutionStatus, c.ResolutionNotes, nullTime(c.ResolvedAt), c.ResolvedBy)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: conflict %s", ErrNotFound, c.ID)
	}
	return nil
}

func (b *PostgresBackend) ListConflicts(ctx context.Context, f ConflictFilter) ([]*SyncConflict, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	where := []string{"TRUE"}
	args := []any{}
	if f.ConnectionID != "" {
		args = append(args, f.ConnectionID)
		where = append(where, fmt.Sprintf("connection_id = $%d", len(args)))
	}
	if f.SyncJobID != "" {
		args = append(args, f.SyncJobID)
		where = append(where, fmt.Sprintf("sync_job_id = $%d", len(args)))
	}
	if f.ResolutionStatus != "" {
		args = append(args, string(f.ResolutionStatus))
		where = append(where, fmt.Sprintf("resolution_status = $%d", len(args)))
	}
	limit := clampLimit(f.Limit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT `+conflictColumns+` FROM zotero_sync_conflicts WHERE %s
		ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), len(args)-1, len(args))
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*SyncConflict, 0, limit)
	for rows.Next() {
		c, scanErr := scanConflict(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) UpsertItem(ctx context.Context, item *LibraryItem) error {
	if item == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO zotero_library_items
			(connection_id, key, version, item_type, title, date_modified, updated_at, last_synced_at, deleted)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (connection_id, key)
		DO UPDATE SET version = EXCLUDED.version, item_type = EXCLUDED.item_type,
			title = EXCLUDED.title, date_modified = EXCLUDED.date_modified,
			updated_at = EXCLUDED.updated_at, last_synced_at = EXCLUDED.last_synced_at,
			deleted = EXCLUDED.deleted`,
		item.ConnectionID, item.Key, item.Version, item.ItemType, item.Title,
		item.DateModified, item.UpdatedAt, nullTime(item.LastSyncedAt), item.Deleted)
	return err
}

func (b *PostgresBackend) GetItem(ctx context.Context, connectionID, key string) (*LibraryItem, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	var (
		item       LibraryItem
		lastSynced sql.NullTime
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT connection_id, key, version, item_type, title, date_modified, updated_at, last_synced_at, deleted
		FROM zotero_library_items WHERE connection_id = $1 AND key = $2`, connectionID, key).
		Scan(&item.ConnectionID, &item.Key, &item.Version, &item.ItemType, &item.Title,
			&item.DateModified, &item.UpdatedAt, &lastSynced, &item.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		item.LastSyncedAt = &lastSynced.Time
	}
	return &item, nil
}

func (b *PostgresBackend) UpsertAnnotation(ctx context.Context, a *Annotation) error {
	if a == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO zotero_annotations
			(id, connection_id, attachment_key, zotero_key, type, text, comment, position, color,
			 sync_status, last_synced_at, version, deleted, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id)
		DO UPDATE SET zotero_key = EXCLUDED.zotero_key, type = EXCLUDED.type,
			text = EXCLUDED.text, comment = EXCLUDED.comment, position = EXCLUDED.position,
			color = EXCLUDED.color, sync_status = EXCLUDED.sync_status,
			last_synced_at = EXCLUDED.last_synced_at, version = EXCLUDED.version,
			deleted = EXCLUDED.deleted, updated_at = EXCLUDED.updated_at`,
		a.ID, a.ConnectionID, a.AttachmentKey, a.ZoteroKey, a.Type, a.Text, a.Comment,
		a.Position, a.Color, a.SyncStatus, nullTime(a.LastSyncedAt), a.Version, a.Deleted,
		a.CreatedAt, a.UpdatedAt)
	return err
}

func scanAnnotation(row rowScanner) (*Annotation, error) {
	var (
		a          Annotation
		lastSynced sql.NullTime
	)
	err := row.Scan(&a.ID, &a.ConnectionID, &a.AttachmentKey, &a.ZoteroKey, &a.Type,
		&a.Text, &a.Comment, &a.Position, &a.Color, &a.SyncStatus, &lastSynced,
		&a.Version, &a.Deleted, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		a.LastSyncedAt = &lastSynced.Time
	}
	return &a, nil
}

const annotationColumns = `id, connection_id, attachment_key, zotero_key, type, text, comment,
	position, color, sync_status, last_synced_at, version, deleted, created_at, updated_at`

func (b *PostgresBackend) GetAnnotation(ctx context.Context, id string) (*Annotation, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM zotero_annotations WHERE id = $1`, id)
	a, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: annotation %s", ErrNotFound, id)
	}
	return a, err
}

func (b *PostgresBackend) ListPendingAnnotations(ctx context.Context, connectionID string, limit int) ([]*Annotation, error) {
	if limit <= 0 {
		limit = 100
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+annotationColumns+` FROM zotero_annotations
		WHERE connection_id = $1 AND sync_status = 'pending' AND NOT deleted
		ORDER BY created_at ASC, id ASC LIMIT $2`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Annotation, 0, limit)
	for rows.Next() {
		a, scanErr := scanAnnotation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) PutConnection(ctx context.Context, c *Connection) error {
	if c == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO zotero_connections
			(id, user_id, zotero_user_id, api_key, library_version, strategy, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id)
		DO UPDATE SET user_id = EXCLUDED.user_id, zotero_user_id = EXCLUDED.zotero_user_id,
			api_key = EXCLUDED.api_key, library_version = EXCLUDED.library_version,
			strategy = EXCLUDED.strategy, updated_at = EXCLUDED.updated_at`,
		c.ID, c.UserID, c.ZoteroUserID, c.APIKey, c.LibraryVersion, c.Strategy, c.CreatedAt, c.UpdatedAt)
	return err
}

func (b *PostgresBackend) GetConnection(ctx context.Context, id string) (*Connection, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	var c Connection
	err := b.db.QueryRowContext(ctx, `
		SELECT id, user_id, zotero_user_id, api_key, library_version, strategy, created_at, updated_at
		FROM zotero_connections WHERE id = $1`, id).
		Scan(&c.ID, &c.UserID, &c.ZoteroUserID, &c.APIKey, &c.LibraryVersion, &c.Strategy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (b *PostgresBackend) PutWebhookEndpoint(ctx context.Context, e *WebhookEndpoint) error {
	if e == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO zotero_webhook_endpoints
			(id, connection_id, url, secret, status, error_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id)
		DO UPDATE SET connection_id = EXCLUDED.connection_id, url = EXCLUDED.url,
			secret = EXCLUDED.secret, status = EXCLUDED.status,
			error_count = EXCLUDED.error_count, updated_at = EXCLUDED.updated_at`,
		e.ID, e.ConnectionID, e.URL, e.Secret, e.Status, e.ErrorCount, e.CreatedAt, e.UpdatedAt)
	return err
}

func (b *PostgresBackend) GetWebhookEndpoint(ctx context.Context, id string) (*WebhookEndpoint, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	var e WebhookEndpoint
	err := b.db.QueryRowContext(ctx, `
		SELECT id, connection_id, url, secret, status, error_count, created_at, updated_at
		FROM zotero_webhook_endpoints WHERE id = $1`, id).
		Scan(&e.ID, &e.ConnectionID, &e.URL, &e.Secret, &e.Status, &e.ErrorCount, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: webhook endpoint %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (b *PostgresBackend) InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	if ev == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO zotero_webhook_events
			(id, endpoint_id, type, payload, processing_status, retry_count, sync_job_id, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ev.ID, ev.EndpointID, ev.Type, payload, ev.ProcessingStatus, ev.RetryCount,
		ev.SyncJobID, ev.Error, ev.CreatedAt, ev.UpdatedAt)
	return err
}

func (b *PostgresBackend) UpdateWebhookEvent(ctx context.Context, ev *WebhookEvent) error {
	if ev == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE zotero_webhook_events SET
			processing_status = $2, retry_count = $3, sync_job_id = $4, error = $5, updated_at = $6
		WHERE id = $1`,
		ev.ID, ev.ProcessingStatus, ev.RetryCount, ev.SyncJobID, ev.Error, ev.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: webhook event %s", ErrNotFound, ev.ID)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
