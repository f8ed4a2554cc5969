package store

import (
	"context"
	"fmt"
	"time"
)

// Migration is one schema step. Versions apply in order and are recorded in
// schema_migrations.
type Migration struct {
	Version int
	UpSQL   string
}

// Both dialects keep timestamps as unix milliseconds so scanning is shared.
var sqliteMigrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS questions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	boilerplate_code TEXT NOT NULL DEFAULT '',
	difficulty TEXT NOT NULL DEFAULT 'medium',
	category TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS interviews (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	question_id TEXT REFERENCES questions(id) ON DELETE SET NULL,
	status TEXT NOT NULL DEFAULT 'scheduled' CHECK(status IN ('scheduled','active','completed')),
	code TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	ended_at INTEGER
);

CREATE TABLE IF NOT EXISTS interview_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	interview_id TEXT NOT NULL REFERENCES interviews(id) ON DELETE CASCADE,
	ts INTEGER NOT NULL,
	user_name TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'edit',
	content TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS interview_events_by_interview ON interview_events(interview_id, ts);
`,
	},
}

var postgresMigrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS questions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	boilerplate_code TEXT NOT NULL DEFAULT '',
	difficulty TEXT NOT NULL DEFAULT 'medium',
	category TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS interviews (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	question_id TEXT REFERENCES questions(id) ON DELETE SET NULL,
	status TEXT NOT NULL DEFAULT 'scheduled' CHECK(status IN ('scheduled','active','completed')),
	code TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	ended_at BIGINT
);

CREATE TABLE IF NOT EXISTS interview_events (
	id BIGSERIAL PRIMARY KEY,
	interview_id TEXT NOT NULL REFERENCES interviews(id) ON DELETE CASCADE,
	ts BIGINT NOT NULL,
	user_name TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT 'edit',
	content TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS interview_events_by_interview ON interview_events(interview_id, ts);
`,
	},
}

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at BIGINT NOT NULL
)`

// migrate applies every migration not yet recorded. Schema statements are
// idempotent, so a crash between a step and its record is safe to rerun.
func migrate(ctx context.Context, q querier, steps []Migration) error {
	if _, err := q.exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range steps {
		var n int64
		if err := q.queryRow(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&n); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if n > 0 {
			continue
		}
		if _, err := q.exec(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := q.exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`, m.Version, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return nil
}
