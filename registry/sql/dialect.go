package sql

import (
	"fmt"
	"net/url"
	"strings"
)

// dialect captures the handful of portability differences the registry
// schema needs across relational backends: timestamp column type and
// placeholder style.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
	dialectMySQL
)

func dialectFromScheme(scheme string) (dialect, string, error) {
	switch scheme {
	case "sqlite", "sqlite3":
		return dialectSQLite, "sqlite3", nil
	case "postgres", "postgresql":
		return dialectPostgres, "postgres", nil
	case "mysql":
		return dialectMySQL, "mysql", nil
	default:
		return 0, "", fmt.Errorf("sql: unrecognized scheme %q", scheme)
	}
}

// timestampType returns the column type used for updated/expires.
// SQLite has no portable TIMESTAMP type (it's type-affinity only), so it
// uses DATETIME; the other two dialects have a real TIMESTAMP.
func (d dialect) timestampType() string {
	if d == dialectSQLite {
		return "DATETIME"
	}
	return "TIMESTAMP"
}

func (d dialect) autoincrementPK() string {
	switch d {
	case dialectPostgres:
		return "SERIAL PRIMARY KEY"
	case dialectMySQL:
		return "INTEGER PRIMARY KEY AUTO_INCREMENT"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

// rebind rewrites `?` placeholders into the dialect's native style
// (kept as `?` for sqlite/mysql, rewritten to `$1, $2, ...` for
// postgres).
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func dsnFromEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "sqlite", "sqlite3":
		// sqlite3:///abs/path.db -> /abs/path.db, sqlite3://rel/path.db ->
		// rel/path.db, sqlite3::memory: -> :memory: (plus any query
		// params, passed straight through to the driver).
		dsn := u.Opaque
		if dsn == "" {
			dsn = u.Path
			if u.Host != "" {
				dsn = u.Host + u.Path
			}
		}
		if u.RawQuery != "" {
			dsn += "?" + u.RawQuery
		}
		return dsn, nil
	default:
		// postgres/mysql endpoints are handed to the driver verbatim,
		// scheme included.
		return endpoint, nil
	}
}
