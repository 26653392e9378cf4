package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/sym"
)

// SQLiteBusyTimeoutMS is how long a writer waits on a locked database
const SQLiteBusyTimeoutMS = 5000

// dsn builds a go-sqlite3 DSN that applies our pragmas to every pooled connection.
// In-memory databases are per-connection, so they are left untouched and the
// caller pins the pool to one connection.
func dsn(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		return path
	}
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", fmt.Sprint(SQLiteBusyTimeoutMS))
	return path + "?" + params.Encode()
}

// Open opens a SQLite database at the specified path with WAL mode, foreign
// keys and a busy timeout. If logger is provided, logs database operations.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if path == ":memory:" {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to enable foreign keys")
		}
	}

	// Force a connection so a bad path fails here rather than on first query
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database at %s", path)
	}
	if foreignKeys != 1 {
		db.Close()
		return nil, errors.Newf("foreign keys not enabled on %s", path)
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"symbol", sym.DB,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and brings the schema up to date
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", path)
	}
	return db, nil
}
