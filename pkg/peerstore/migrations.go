package peerstore

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
)

const migrationsLogPrefix = "peerstore:migrations"

// Migration is one idempotent SQL file.
type Migration struct {
	Name string
	SQL  string
}

// LoadMigrations reads the .sql files in dir in name order.
func LoadMigrations(dir string) ([]Migration, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%s - migration dir %s: %w", migrationsLogPrefix, dir, err)
	}
	migrations, err := LoadMigrationsFS(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("%s - %s: %w", migrationsLogPrefix, dir, err)
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migrations from %s", migrationsLogPrefix, len(migrations), dir))
	return migrations, nil
}

// LoadMigrationsFS reads the top-level .sql files of fsys in name order.
// Directories named like SQL files are ignored.
func LoadMigrationsFS(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		info, err := fs.Stat(fsys, name)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			continue
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out = append(out, Migration{Name: name, SQL: string(data)})
	}
	return out, nil
}
