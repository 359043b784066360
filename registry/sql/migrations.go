package sql

import (
	dbsql "database/sql"
	"fmt"
)

// migrationStep is one v -> v+1 schema change. Steps run inside one
// transaction each; schema_migrations tracks the last version
// successfully applied, mirroring the teacher's "IF NOT EXISTS /
// tolerate duplicate column" idiom in cmd/dplaned/schema.go generalized
// into a real version table.
type migrationStep func(tx *dbsql.Tx, d dialect) error

var migrationSteps = []migrationStep{
	stepCreateClusterNode,  // v1
	stepIndexKeyEnv,        // v2
	stepIndexExpires,       // v3
	stepIndexUpdated,       // v4
	stepAddPartition,       // v5
	stepCreateClusterKV,    // v6
	stepCreateNodeKV,       // v7
	stepCreateClusterJob,   // v8
}

func stepCreateClusterNode(tx *dbsql.Tx, d dialect) error {
	ts := d.timestampType()
	_, err := tx.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cluster_node (
		id       VARCHAR(32) NOT NULL,
		key      VARCHAR(32) NOT NULL,
		env      VARCHAR(32) NOT NULL,
		workers  INTEGER NOT NULL,
		updated  %s NOT NULL,
		expires  %s NOT NULL,
		PRIMARY KEY (id, key, env)
	)`, ts, ts))
	return err
}

func stepIndexKeyEnv(tx *dbsql.Tx, d dialect) error {
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_cluster_node_key_env ON cluster_node (key, env)`)
	return err
}

func stepIndexExpires(tx *dbsql.Tx, d dialect) error {
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_cluster_node_expires ON cluster_node (expires)`)
	return err
}

func stepIndexUpdated(tx *dbsql.Tx, d dialect) error {
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_cluster_node_updated ON cluster_node (updated)`)
	return err
}

func stepAddPartition(tx *dbsql.Tx, d dialect) error {
	// ALTER TABLE ADD COLUMN fails if the column already exists on a
	// re-run; that's fine, same tolerance cmd/dplaned/schema.go relies on
	// for its own ALTER TABLE migrations.
	_, err := tx.Exec(`ALTER TABLE cluster_node ADD COLUMN partition VARCHAR(32)`)
	if err != nil && !isDuplicateColumn(err) {
		return err
	}
	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_cluster_node_partition ON cluster_node (partition)`)
	return err
}

func stepCreateClusterKV(tx *dbsql.Tx, d dialect) error {
	_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS cluster_kv (
		key      VARCHAR(32) NOT NULL,
		env      VARCHAR(32) NOT NULL,
		name     VARCHAR(64) NOT NULL,
		value    TEXT NOT NULL,
		PRIMARY KEY (key, env, name)
	)`)
	return err
}

func stepCreateNodeKV(tx *dbsql.Tx, d dialect) error {
	_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS cluster_node_kv (
		id       VARCHAR(32) NOT NULL,
		key      VARCHAR(32) NOT NULL,
		env      VARCHAR(32) NOT NULL,
		name     VARCHAR(64) NOT NULL,
		value    TEXT NOT NULL,
		PRIMARY KEY (id, key, env, name)
	)`)
	return err
}

func stepCreateClusterJob(tx *dbsql.Tx, d dialect) error {
	ts := d.timestampType()
	_, err := tx.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cluster_job (
		id       VARCHAR(32) NOT NULL,
		key      VARCHAR(32) NOT NULL,
		env      VARCHAR(32) NOT NULL,
		parent   VARCHAR(32),
		name     VARCHAR(64) NOT NULL DEFAULT '',
		tag      VARCHAR(64) NOT NULL DEFAULT '',
		status   VARCHAR(16) NOT NULL DEFAULT 'wait',
		progress INTEGER NOT NULL DEFAULT 0,
		total    INTEGER NOT NULL DEFAULT 0,
		updated  %s NOT NULL,
		PRIMARY KEY (id, key, env)
	)`, ts))
	return err
}

func isDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "duplicate column") || contains(msg, "already exists")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// migrate applies every pending v -> v+1 step, tracking the current
// version in schema_migrations.
func migrate(db *dbsql.DB, d dialect) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("sql: create schema_migrations: %w", err)
	}

	version := 0
	row := db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1`)
	if err := row.Scan(&version); err != nil {
		if err != dbsql.ErrNoRows {
			return fmt.Errorf("sql: read schema version: %w", err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (version) VALUES (0)`); err != nil {
			return fmt.Errorf("sql: seed schema version: %w", err)
		}
	}

	for version < len(migrationSteps) {
		step := migrationSteps[version]
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("sql: begin migration v%d: %w", version+1, err)
		}
		if err := step(tx, d); err != nil {
			tx.Rollback()
			return fmt.Errorf("sql: migration v%d: %w", version+1, err)
		}
		version++
		if _, err := tx.Exec(d.rebind(`UPDATE schema_migrations SET version = ?`), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("sql: record schema version v%d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sql: commit migration v%d: %w", version, err)
		}
	}
	return nil
}
