package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	logx "dispatchd/pkg/logx"

	"github.com/lib/pq"
)

const pgUniqueViolation = pq.ErrorCode("23505")

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	st, err := newSQLStore(ctx, db, dialect{name: "postgres", dollarBinds: true, isDuplicate: pgDuplicate}, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("postgres store opened")
	return st, nil
}

func pgDuplicate(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == pgUniqueViolation
}
