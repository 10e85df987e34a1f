package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/capabilities-executor/pkg/events"
	"github.com/morezero/capabilities-executor/pkg/executor"
)

const repoLogPrefix = "db:repository"

// Repository stores peer manifests and job records.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{pool: pool, logger: logger}
}

// Ping checks the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// =========================================================================
// MANIFESTS
// =========================================================================

// UpsertManifest stores the manifest of peer id, bumping its revision when
// it already exists.
func (r *Repository) UpsertManifest(ctx context.Context, id string, m *executor.Manifest) error {
	r.logger.Debug(fmt.Sprintf("%s - UpsertManifest id=%s", repoLogPrefix, id))

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%s - failed to encode manifest %s: %w", repoLogPrefix, id, err)
	}
	now := time.Now().UTC()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO executors (id, manifest, created, modified)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   manifest = $2,
		   revision = executors.revision + 1,
		   modified = $3`,
		id, data, now)
	if err != nil {
		return fmt.Errorf("%s - failed to upsert manifest %s: %w", repoLogPrefix, id, err)
	}
	return nil
}

// DeleteManifest removes the manifest of peer id and reports whether it existed.
func (r *Repository) DeleteManifest(ctx context.Context, id string) (bool, error) {
	r.logger.Debug(fmt.Sprintf("%s - DeleteManifest id=%s", repoLogPrefix, id))

	tag, err := r.pool.Exec(ctx, `DELETE FROM executors WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("%s - failed to delete manifest %s: %w", repoLogPrefix, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListManifests returns every stored manifest keyed by peer id. Rows that
// no longer decode are logged and skipped.
func (r *Repository) ListManifests(ctx context.Context) (map[string]*executor.Manifest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, manifest, revision, created, modified FROM executors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list manifests: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	out := make(map[string]*executor.Manifest)
	for rows.Next() {
		var row ExecutorRow
		if err := rows.Scan(&row.ID, &row.Manifest, &row.Revision, &row.Created, &row.Modified); err != nil {
			return nil, fmt.Errorf("%s - failed to scan manifest: %w", repoLogPrefix, err)
		}
		var m executor.Manifest
		if err := json.Unmarshal(row.Manifest, &m); err != nil {
			r.logger.Warn(fmt.Sprintf("%s - Skipping undecodable manifest %s: %v", repoLogPrefix, row.ID, err))
			continue
		}
		out[row.ID] = &m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - failed to read manifests: %w", repoLogPrefix, err)
	}
	return out, nil
}

// PublishChanged keeps the stored manifests in step with peer changes.
// Peers without addresses live in another process's memory and are not stored.
func (r *Repository) PublishChanged(ctx context.Context, event *events.PeerChangedEvent) error {
	switch event.Action {
	case events.ActionRemoved:
		_, err := r.DeleteManifest(ctx, event.ID)
		return err
	default:
		if event.Manifest == nil || len(event.Manifest.Addresses) == 0 {
			return nil
		}
		return r.UpsertManifest(ctx, event.ID, event.Manifest)
	}
}

// =========================================================================
// JOB LOG
// =========================================================================

// RecordJob appends a routed job to the job log.
func (r *Repository) RecordJob(ctx context.Context, rec executor.JobRecord) error {
	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO job_log (job_id, method, peer, status, error, started, finished)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, string(rec.Method), rec.Peer, string(rec.Status), errText, rec.Started.UTC(), rec.Finished.UTC())
	if err != nil {
		return fmt.Errorf("%s - failed to record job %s: %w", repoLogPrefix, rec.ID, err)
	}
	return nil
}

// RecentJobs returns up to limit job records, newest first.
func (r *Repository) RecentJobs(ctx context.Context, limit int) ([]executor.JobRecord, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT job_id, method, peer, status, COALESCE(error, ''), started, finished
		 FROM job_log ORDER BY finished DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list jobs: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []executor.JobRecord
	for rows.Next() {
		var rec executor.JobRecord
		var method, status string
		if err := rows.Scan(&rec.ID, &method, &rec.Peer, &status, &rec.Error, &rec.Started, &rec.Finished); err != nil {
			return nil, fmt.Errorf("%s - failed to scan job: %w", repoLogPrefix, err)
		}
		rec.Method = executor.Method(method)
		rec.Status = executor.JobStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - failed to read jobs: %w", repoLogPrefix, err)
	}
	return out, nil
}
