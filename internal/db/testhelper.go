package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// OpenTestSQLite opens a migrated write/read pool pair over a file in
// t.TempDir() and closes both pools on cleanup. Tests that don't care about
// the split can run everything through writeDB.
func OpenTestSQLite(t *testing.T) (writeDB, readDB *sql.DB) {
	t.Helper()

	writeDB, readDB, err := OpenSQLitePair(filepath.Join(t.TempDir(), "meta.sqlite"), 0)
	if err != nil {
		t.Fatalf("open sqlite pair: %v", err)
	}
	t.Cleanup(func() {
		_ = readDB.Close()
		_ = writeDB.Close()
	})

	if err := RunMigrations(writeDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return writeDB, readDB
}
