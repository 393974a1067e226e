package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the app-owned crm.db.
type DB struct {
	*sql.DB
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// nullable maps an empty string to SQL NULL so unique keys ignore it.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
