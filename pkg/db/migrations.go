package db

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
)

const migrationsLogPrefix = "db:migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// LoadMigrationFiles reads all .sql files from dir, sorted by name, and returns their contents.
func LoadMigrationFiles(dir string) ([]string, error) {
	out, err := loadSQL(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

// DefaultMigrations returns the migrations compiled into the binary.
func DefaultMigrations() ([]string, error) {
	out, err := loadSQL(embeddedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read embedded migrations: %w", migrationsLogPrefix, err)
	}
	return out, nil
}

// ResolveMigrations loads migrations from dir, or the embedded set when dir
// is empty. The second result names the source.
func ResolveMigrations(dir string) ([]string, string, error) {
	if dir == "" {
		out, err := DefaultMigrations()
		return out, "embedded", err
	}
	out, err := LoadMigrationFiles(dir)
	return out, dir, err
}

func loadSQL(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out = append(out, string(data))
	}
	return out, nil
}
