package db

import (
	"database/sql"
	"embed"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/sym"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// migration is one embedded schema step, named NNN_description.sql
type migration struct {
	version string
	file    string
	body    string
}

// loadMigrations returns the embedded migrations ordered by version
func loadMigrations() ([]migration, error) {
	files, err := fs.Glob(migrationFS, migrationDir+"/*.sql")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list migrations")
	}
	sort.Strings(files)

	out := make([]migration, 0, len(files))
	for _, f := range files {
		body, err := migrationFS.ReadFile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", f)
		}
		name := f[strings.LastIndex(f, "/")+1:]
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.Newf("migration %s has no version prefix", name)
		}
		out = append(out, migration{version: version, file: name, body: string(body)})
	}
	return out, nil
}

// appliedVersions reads the set of recorded versions. A fresh database has
// no schema_migrations table yet, which is reported as an empty set.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	var tables int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&tables)
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to inspect schema")
	}
	applied := make(map[string]bool)
	if tables == 0 {
		return applied, nil
	}

	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to read applied migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.WrapDatabase(err, "failed to scan migration version")
		}
		applied[v] = true
	}
	return applied, errors.WrapDatabase(rows.Err(), "failed to read applied migrations")
}

// apply runs the migration and records its version in one transaction
func (m migration) apply(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.WrapDatabase(err, "begin "+m.file)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.body); err != nil {
		return errors.WrapDatabase(err, "execute "+m.file)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return errors.WrapDatabase(err, "record "+m.file)
	}
	return errors.WrapDatabase(tx.Commit(), "commit "+m.file)
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations. A nil log keeps it silent.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	all, err := loadMigrations()
	if err != nil {
		return err
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}
	if len(applied) == 0 && (len(all) == 0 || all[0].version != "000") {
		return errors.New("first migration must create schema_migrations (000)")
	}

	count := 0
	for _, m := range all {
		if applied[m.version] {
			log.Debugw("Migration already applied", "migration", m.file)
			continue
		}
		start := time.Now()
		if err := m.apply(db); err != nil {
			return err
		}
		log.Infow("Applied migration",
			"migration", m.file,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
		count++
	}

	if count > 0 {
		log.Infow("Schema up to date",
			"symbol", sym.DB,
			"version", all[len(all)-1].version,
			logger.FieldCount, count)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version, or "" if none
func SchemaVersion(db *sql.DB) (string, error) {
	var version sql.NullString
	if err := db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return "", errors.WrapDatabase(err, "failed to read schema version")
	}
	return version.String, nil
}
