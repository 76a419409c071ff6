package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "dispatchd/pkg/logx"

	"modernc.org/sqlite"
)

const sqliteConstraint = 19 // SQLITE_CONSTRAINT primary result code

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes the CAS updates.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := int64(5000)
	if cfg.BusyTimeout > 0 {
		busy = cfg.BusyTimeout.Milliseconds()
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st, err := newSQLStore(context.Background(), db, dialect{name: "sqlite", isDuplicate: sqliteDuplicate}, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func sqliteDuplicate(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqliteConstraint
	}
	return false
}
