// Package registry persists function definitions across daemon restarts so
// the dispatcher can resolve a function name without re-reading TOML files.
// The backing store is SQLite via the pure-Go modernc.org/sqlite driver,
// which keeps the daemon buildable without cgo.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/sampalekos96/snapfaas/internal/config"
)

// schema is applied on every Open; statements must be idempotent. WAL
// journaling comes first so registry reads don't block a concurrent sync.
var schema = []string{
	`PRAGMA journal_mode=WAL`,
	`CREATE TABLE IF NOT EXISTS functions (
		name       TEXT PRIMARY KEY,
		memory     INTEGER NOT NULL,
		vcpus      INTEGER NOT NULL,
		kernel     TEXT NOT NULL,
		runtimefs  TEXT NOT NULL,
		appfs      TEXT NOT NULL DEFAULT '',
		load_dir   TEXT NOT NULL DEFAULT '',
		dump_dir   TEXT NOT NULL DEFAULT '',
		cmdline    TEXT NOT NULL DEFAULT '',
		dump_ws    INTEGER NOT NULL DEFAULT 0,
		load_ws    INTEGER NOT NULL DEFAULT 0,
		copy_base  INTEGER NOT NULL DEFAULT 0,
		copy_diff  INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
}

// DB wraps an SQLite database holding registered functions.
type DB struct {
	db *sql.DB
}

// Open creates the registry database at dbPath if needed, applies the
// schema, and returns a handle ready for queries.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("registry directory for %s: %w", dbPath, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", dbPath, err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply registry schema: %w", err)
		}
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Upsert inserts or replaces a function definition by name.
func (d *DB) Upsert(fc *config.FunctionConfig) error {
	_, err := d.db.Exec(`
		INSERT INTO functions
			(name, memory, vcpus, kernel, runtimefs, appfs, load_dir, dump_dir,
			 cmdline, dump_ws, load_ws, copy_base, copy_diff)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			memory = excluded.memory,
			vcpus = excluded.vcpus,
			kernel = excluded.kernel,
			runtimefs = excluded.runtimefs,
			appfs = excluded.appfs,
			load_dir = excluded.load_dir,
			dump_dir = excluded.dump_dir,
			cmdline = excluded.cmdline,
			dump_ws = excluded.dump_ws,
			load_ws = excluded.load_ws,
			copy_base = excluded.copy_base,
			copy_diff = excluded.copy_diff,
			updated_at = datetime('now')
	`, fc.Name, fc.Memory, fc.Vcpus, fc.Kernel, fc.Runtimefs, fc.Appfs,
		fc.LoadDir, fc.DumpDir, fc.Cmdline,
		boolInt(fc.DumpWs), boolInt(fc.LoadWs), boolInt(fc.CopyBase), boolInt(fc.CopyDiff))
	if err != nil {
		return fmt.Errorf("upsert function %s: %w", fc.Name, err)
	}
	return nil
}

// Get fetches a function by name. Returns (nil, nil) when absent.
func (d *DB) Get(name string) (*config.FunctionConfig, error) {
	row := d.db.QueryRow(`
		SELECT name, memory, vcpus, kernel, runtimefs, appfs, load_dir,
		       dump_dir, cmdline, dump_ws, load_ws, copy_base, copy_diff
		FROM functions WHERE name = ?
	`, name)
	fc, err := scanFunction(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get function %s: %w", name, err)
	}
	return fc, nil
}

// List returns all functions ordered by name.
func (d *DB) List() ([]config.FunctionConfig, error) {
	rows, err := d.db.Query(`
		SELECT name, memory, vcpus, kernel, runtimefs, appfs, load_dir,
		       dump_dir, cmdline, dump_ws, load_ws, copy_base, copy_diff
		FROM functions ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var out []config.FunctionConfig
	for rows.Next() {
		fc, err := scanFunction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan function: %w", err)
		}
		out = append(out, *fc)
	}
	return out, rows.Err()
}

// Delete removes a function definition.
func (d *DB) Delete(name string) error {
	_, err := d.db.Exec(`DELETE FROM functions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete function %s: %w", name, err)
	}
	return nil
}

// SyncFromFile loads a TOML function file and upserts every definition.
func (d *DB) SyncFromFile(path string) (int, error) {
	fns, err := config.LoadFunctions(path)
	if err != nil {
		return 0, err
	}
	for i := range fns {
		if err := d.Upsert(&fns[i]); err != nil {
			return i, err
		}
	}
	return len(fns), nil
}

func scanFunction(scan func(dest ...any) error) (*config.FunctionConfig, error) {
	var fc config.FunctionConfig
	var dumpWs, loadWs, copyBase, copyDiff int
	err := scan(&fc.Name, &fc.Memory, &fc.Vcpus, &fc.Kernel, &fc.Runtimefs,
		&fc.Appfs, &fc.LoadDir, &fc.DumpDir, &fc.Cmdline,
		&dumpWs, &loadWs, &copyBase, &copyDiff)
	if err != nil {
		return nil, err
	}
	fc.DumpWs = dumpWs != 0
	fc.LoadWs = loadWs != 0
	fc.CopyBase = copyBase != 0
	fc.CopyDiff = copyDiff != 0
	return &fc, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
