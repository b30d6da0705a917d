package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// ErrDirtySchema means an earlier upgrade stopped halfway. The cache holds
// nothing the server cannot resend, so callers rebuild it with RemoveFiles.
var ErrDirtySchema = errors.New("cache schema is dirty")

// SchemaResult is the cache schema version before and after Migrate.
type SchemaResult struct {
	From uint // 0 for a new cache
	To   uint
}

// Changed reports whether Migrate applied anything.
func (r SchemaResult) Changed() bool {
	return r.From != r.To
}

// Migrate upgrades the cache schema to the newest embedded version.
func (db *DB) Migrate() (SchemaResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return SchemaResult{}, fmt.Errorf("cache schema source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return SchemaResult{}, fmt.Errorf("cache schema driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return SchemaResult{}, fmt.Errorf("cache schema: %w", err)
	}

	from, err := schemaVersion(m)
	if err != nil {
		return SchemaResult{}, err
	}
	res := SchemaResult{From: from, To: from}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return res, fmt.Errorf("upgrade cache schema from %d: %w", from, err)
	}
	if res.To, err = schemaVersion(m); err != nil {
		return res, err
	}
	return res, nil
}

func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache schema version: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("version %d: %w", v, ErrDirtySchema)
	}
	return v, nil
}

// RemoveFiles deletes a closed cache database and its WAL side files.
func RemoveFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove cache: %w", err)
		}
	}
	return nil
}
