// Package db opens the SQLite session metastore and applies its migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Every pool runs WAL with a generous busy timeout so the single writer and
// the readers coexist on one file.
const (
	busyTimeoutMS   = 5000
	readPoolDefault = 4
	pingTimeout     = 5 * time.Second
)

// OpenSQLitePair opens two pools over the same SQLite file: a write pool
// pinned to one connection, with _txlock=immediate so write transactions
// take the lock up front, and a read pool of readMaxOpen connections
// (0 means 4). The split keeps reads from queueing behind writes.
func OpenSQLitePair(path string, readMaxOpen int) (writeDB, readDB *sql.DB, err error) {
	writeDB, err = openPool(path, true, 1)
	if err != nil {
		return nil, nil, err
	}

	if readMaxOpen <= 0 {
		readMaxOpen = readPoolDefault
	}
	readDB, err = openPool(path, false, readMaxOpen)
	if err != nil {
		_ = writeDB.Close()
		return nil, nil, err
	}

	return writeDB, readDB, nil
}

func openPool(path string, writer bool, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path, writer))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s pool: %w", poolName(writer), err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s pool: %w", poolName(writer), err)
	}

	return db, nil
}

func poolName(writer bool) string {
	if writer {
		return "write"
	}
	return "read"
}

func sqliteDSN(path string, writer bool) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", strconv.Itoa(busyTimeoutMS))
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")
	if writer {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}
