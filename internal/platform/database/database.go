package database

import (
	"database/sql"
	"strings"
	"time"

	"carehub/internal/platform/config"

	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the SQLite database named by cfg.URL. A "file:" prefix is
// accepted for parity with hosted libsql style URLs.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.URL
	if strings.HasPrefix(dsn, "file:") {
		dsn = strings.TrimPrefix(dsn, "file:")
	}
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	maxConns := cfg.MaxConnections
	if dsn == ":memory:" || maxConns <= 0 {
		// every new connection to :memory: is a separate empty database
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
