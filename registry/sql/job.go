package sql

import (
	"context"
	dbsql "database/sql"
	"fmt"
	"time"

	"github.com/bbcarchdev/libcluster/job"
)

// PutJob upserts a job row via the same delete-then-insert discipline
// Announce uses, so `updated` always reflects the latest write. This
// makes *Backend satisfy job.Store: the registry backend imports the job
// package, while package job imports no registry package.
func (b *Backend) PutJob(ctx context.Context, r job.Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql: put job: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, b.d.rebind(
		`DELETE FROM cluster_job WHERE id = ? AND key = ? AND env = ?`),
		r.ID, r.Key, r.Env); err != nil {
		return fmt.Errorf("sql: put job: delete: %w", err)
	}

	var parent interface{}
	if r.Parent != "" {
		parent = r.Parent
	}
	if _, err := tx.ExecContext(ctx, b.d.rebind(
		`INSERT INTO cluster_job (id, key, env, parent, name, tag, status, progress, total, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.Key, r.Env, parent, r.Name, r.Tag, string(r.Status), r.Progress, r.Total, formatTime(r.Updated)); err != nil {
		return fmt.Errorf("sql: put job: insert: %w", err)
	}
	return tx.Commit()
}

// GetJob reads one job row back.
func (b *Backend) GetJob(ctx context.Context, key, env, id string) (job.Record, error) {
	var r job.Record
	var parent dbsql.NullString
	var status, updated string
	row := b.db.QueryRowContext(ctx, b.d.rebind(
		`SELECT id, key, env, parent, name, tag, status, progress, total, updated
		 FROM cluster_job WHERE id = ? AND key = ? AND env = ?`), id, key, env)
	if err := row.Scan(&r.ID, &r.Key, &r.Env, &parent, &r.Name, &r.Tag, &status, &r.Progress, &r.Total, &updated); err != nil {
		return job.Record{}, fmt.Errorf("sql: get job: %w", err)
	}
	r.Parent = parent.String
	r.Status = job.Status(status)
	r.Updated, _ = time.Parse("2006-01-02 15:04:05", updated)
	return r, nil
}

// DeleteJob removes a job's row.
func (b *Backend) DeleteJob(ctx context.Context, key, env, id string) error {
	_, err := b.db.ExecContext(ctx, b.d.rebind(
		`DELETE FROM cluster_job WHERE id = ? AND key = ? AND env = ?`), id, key, env)
	if err != nil {
		return fmt.Errorf("sql: delete job: %w", err)
	}
	return nil
}
