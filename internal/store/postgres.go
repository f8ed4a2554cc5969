package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresDB struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, dsn string) (*postgresDB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &postgresDB{pool: pool}
	if err := migrate(ctx, p, postgresMigrations); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *postgresDB) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *postgresDB) queryRow(ctx context.Context, query string, args ...any) row {
	return postgresRow{p.pool.QueryRow(ctx, rebind(query), args...)}
}

func (p *postgresDB) query(ctx context.Context, query string, args ...any) (rows, func(), error) {
	rs, err := p.pool.Query(ctx, rebind(query), args...)
	if err != nil {
		return nil, nil, err
	}
	return rs, rs.Close, nil
}

func (p *postgresDB) close() error {
	p.pool.Close()
	return nil
}

type postgresRow struct {
	r pgx.Row
}

func (r postgresRow) Scan(dest ...any) error {
	err := r.r.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// rebind turns ? placeholders into $1, $2, ... Queries in this package never
// contain a literal question mark.
func rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
