// Package sql implements the relational registry backend: a single
// cluster_node table with explicit updated/expires timestamps,
// emulating the KV backend's TTL and change-notification contract with
// delete-then-insert writes and polling. Grounded on
// cmd/dplaned/main.go's sql.Open("sqlite3", ...) wiring and
// cmd/dplaned/schema.go's tolerant-of-reruns migration idiom.
package sql

import (
	"context"
	dbsql "database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bbcarchdev/libcluster/registry"
)

// sqlPollInterval and sqlForcedBalanceCap implement the "poll every 5s,
// force a balance after 30s of silence" rule.
const (
	sqlPollInterval     = 5 * time.Second
	sqlForcedBalanceCap = 30 * time.Second
)

// Backend is the SQL registry adapter.
type Backend struct {
	db        *dbsql.DB
	d         dialect
	key       string
	env       string
	partition string
}

// New opens a new database connection pool for endpoint and scopes
// the adapter to key/env/partition. endpoint's scheme selects the driver
// (sqlite3, postgres, mysql); the rest is a driver-native DSN.
func New(endpoint, key, env, partition string) (*Backend, error) {
	u, err := dsnScheme(endpoint)
	if err != nil {
		return nil, err
	}
	d, driverName, err := dialectFromScheme(u)
	if err != nil {
		return nil, err
	}
	dsn, err := dsnFromEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("sql: parse endpoint: %w", err)
	}
	db, err := dbsql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql: open %s: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sql: connect: %w", err)
	}
	return &Backend{db: db, d: d, key: key, env: env, partition: partition}, nil
}

func dsnScheme(endpoint string) (string, error) {
	for i := 0; i < len(endpoint); i++ {
		if endpoint[i] == ':' {
			return endpoint[:i], nil
		}
	}
	return "", fmt.Errorf("sql: endpoint %q has no scheme", endpoint)
}

// MaybeMigrateSchema applies every pending versioned step.
func (b *Backend) MaybeMigrateSchema(ctx context.Context) error {
	return migrate(b.db, b.d)
}

// Announce performs the delete-then-insert inside one transaction,
// rather than an UPSERT, so `updated` always advances and `expires` is
// always recomputed. requireExisting asks this to fail if the row
// was not present before the delete, so a heartbeat can tell an expired
// entry apart from a transient write failure.
func (b *Backend) Announce(ctx context.Context, instanceID string, workers int, ttl time.Duration, requireExisting bool) error {
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(ttl)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql: announce: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, b.d.rebind(
		`DELETE FROM cluster_node WHERE id = ? AND key = ? AND env = ?`),
		instanceID, b.key, b.env)
	if err != nil {
		return fmt.Errorf("sql: announce: delete: %w", err)
	}
	if requireExisting {
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sql: announce: rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("sql: announce: entry %s does not exist", instanceID)
		}
	}

	var partition interface{}
	if b.partition != "" {
		partition = b.partition
	}
	_, err = tx.ExecContext(ctx, b.d.rebind(
		`INSERT INTO cluster_node (id, key, env, partition, workers, updated, expires)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		instanceID, b.key, b.env, partition, workers, formatTime(now), formatTime(expires))
	if err != nil {
		return fmt.Errorf("sql: announce: insert: %w", err)
	}

	return tx.Commit()
}

// Retract is a best-effort delete.
func (b *Backend) Retract(ctx context.Context, instanceID string) error {
	_, err := b.db.ExecContext(ctx, b.d.rebind(
		`DELETE FROM cluster_node WHERE id = ? AND key = ? AND env = ?`),
		instanceID, b.key, b.env)
	if err != nil {
		return fmt.Errorf("sql: retract: %w", err)
	}
	return nil
}

// Snapshot selects unexpired rows matching key/env/partition, ordered by
// id ascending — the engine relies on this ordering for the balance
// algorithm.
func (b *Backend) Snapshot(ctx context.Context) ([]registry.Entry, error) {
	now := formatTime(time.Now().UTC().Truncate(time.Second))
	query := `SELECT id, workers FROM cluster_node WHERE key = ? AND env = ? AND expires >= ?`
	args := []interface{}{b.key, b.env, now}
	if b.partition != "" {
		query += ` AND partition = ?`
		args = append(args, b.partition)
	}
	query += ` ORDER BY id ASC`

	rows, err := b.db.QueryContext(ctx, b.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sql: snapshot: %w", err)
	}
	defer rows.Close()

	var entries []registry.Entry
	for rows.Next() {
		var e registry.Entry
		if err := rows.Scan(&e.InstanceID, &e.Workers); err != nil {
			return nil, fmt.Errorf("sql: snapshot: scan: %w", err)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].InstanceID < entries[j].InstanceID })
	return entries, rows.Err()
}

// AwaitChange has no native change notification: it sleeps for a
// fixed interval and polls whether any matching row has updated since
// the last poll. If nothing has changed for longer than the forced-
// balance cap, it returns anyway so the watch loop balances against
// expiries the poll interval itself might have missed.
func (b *Backend) AwaitChange(ctx context.Context, since time.Time) (registry.ChangeResult, error) {
	deadline := time.Now().Add(sqlForcedBalanceCap)
	for {
		select {
		case <-ctx.Done():
			return registry.ChangeTimeout, ctx.Err()
		case <-time.After(sqlPollInterval):
		}

		changed, err := b.hasChangedSince(ctx, since)
		if err != nil {
			return registry.ChangeTimeout, err
		}
		if changed {
			return registry.ChangeDetected, nil
		}
		if time.Now().After(deadline) {
			return registry.ChangeTimeout, nil
		}
	}
}

func (b *Backend) hasChangedSince(ctx context.Context, since time.Time) (bool, error) {
	if since.IsZero() {
		return true, nil
	}
	query := `SELECT COUNT(*) FROM cluster_node WHERE key = ? AND env = ? AND updated >= ?`
	args := []interface{}{b.key, b.env, formatTime(since.UTC().Truncate(time.Second))}
	if b.partition != "" {
		query += ` AND partition = ?`
		args = append(args, b.partition)
	}
	var n int
	if err := b.db.QueryRowContext(ctx, b.d.rebind(query), args...).Scan(&n); err != nil {
		return false, fmt.Errorf("sql: await_change: %w", err)
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error { return b.db.Close() }
