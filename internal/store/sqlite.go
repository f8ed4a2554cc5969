package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type sqliteDB struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, path string) (*sqliteDB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &sqliteDB{db: db}
	if err := migrate(ctx, s, sqliteMigrations); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteDB) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteDB) queryRow(ctx context.Context, query string, args ...any) row {
	return sqliteRow{s.db.QueryRowContext(ctx, query, args...)}
}

func (s *sqliteDB) query(ctx context.Context, query string, args ...any) (rows, func(), error) {
	rs, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	return rs, func() { rs.Close() }, nil
}

func (s *sqliteDB) close() error {
	return s.db.Close()
}

type sqliteRow struct {
	r *sql.Row
}

func (r sqliteRow) Scan(dest ...any) error {
	err := r.r.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
