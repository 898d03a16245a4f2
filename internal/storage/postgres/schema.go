package postgres

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS domains (
	id       BIGSERIAL PRIMARY KEY,
	name     TEXT NOT NULL,
	md5      TEXT NOT NULL,
	sha256   TEXT NOT NULL UNIQUE,
	added_on TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS submit (
	id       BIGSERIAL PRIMARY KEY,
	path     TEXT NOT NULL DEFAULT '',
	kind     TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	added_on TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
	id           BIGSERIAL PRIMARY KEY,
	target       TEXT NOT NULL,
	package      TEXT,
	options      TEXT NOT NULL DEFAULT '',
	owner        TEXT,
	priority     INTEGER NOT NULL DEFAULT 1,
	route        TEXT,
	added_on     TIMESTAMPTZ NOT NULL,
	started_on   TIMESTAMPTZ,
	completed_on TIMESTAMPTZ,
	status       TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending','running','completed','reported','recovered','failed')),
	submit_id    BIGINT REFERENCES submit(id),
	processing   TEXT
)`,
	`CREATE INDEX IF NOT EXISTS tasks_fetch_idx ON tasks (status, priority DESC, added_on)`,
	`CREATE INDEX IF NOT EXISTS tasks_submit_idx ON tasks (submit_id)`,
	`CREATE TABLE IF NOT EXISTS tags (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
)`,
	`CREATE TABLE IF NOT EXISTS tasks_tags (
	task_id BIGINT NOT NULL REFERENCES tasks(id),
	tag_id  BIGINT NOT NULL REFERENCES tags(id),
	PRIMARY KEY (task_id, tag_id)
)`,
	`CREATE TABLE IF NOT EXISTS browsers (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	user_agent TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS browsers_tags (
	browser_id BIGINT NOT NULL REFERENCES browsers(id),
	tag_id     BIGINT NOT NULL REFERENCES tags(id),
	PRIMARY KEY (browser_id, tag_id)
)`,
	`CREATE TABLE IF NOT EXISTS crawlers (
	id          BIGSERIAL PRIMARY KEY,
	task_id     BIGINT NOT NULL UNIQUE REFERENCES tasks(id),
	name        TEXT NOT NULL,
	user_agent  TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL CHECK (status IN ('init','running','stopped')),
	started_on  TIMESTAMPTZ NOT NULL,
	shutdown_on TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS errors (
	id      BIGSERIAL PRIMARY KEY,
	task_id BIGINT NOT NULL REFERENCES tasks(id),
	message TEXT NOT NULL,
	action  TEXT
)`,
	`CREATE TABLE IF NOT EXISTS images (
	id           BIGSERIAL PRIMARY KEY,
	task_id      BIGINT NOT NULL REFERENCES tasks(id),
	target       TEXT NOT NULL,
	hash         TEXT NOT NULL,
	uri          TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	added_on     TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS images_target_idx ON images (target)`,
}

// EnsureSchema creates the queue tables when they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
