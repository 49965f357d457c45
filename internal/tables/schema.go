package tables

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowmark/rowmark/internal/handler"
)

// Schema is the DDL for the bundled reference tables. Deployments with
// their own handlers manage their own user tables.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
    partition_id   TEXT NOT NULL DEFAULT 'default',
    row_id         TEXT NOT NULL,
    row_json       JSONB NOT NULL,
    server_version BIGINT NOT NULL DEFAULT 1,
    scope_key      TEXT NOT NULL DEFAULT '',
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (partition_id, row_id)
);

CREATE INDEX IF NOT EXISTS idx_projects_user
    ON projects (partition_id, (row_json->>'user_id'), row_id);

CREATE TABLE IF NOT EXISTS tasks (
    partition_id   TEXT NOT NULL DEFAULT 'default',
    row_id         TEXT NOT NULL,
    row_json       JSONB NOT NULL,
    server_version BIGINT NOT NULL DEFAULT 1,
    scope_key      TEXT NOT NULL DEFAULT '',
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (partition_id, row_id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_user
    ON tasks (partition_id, (row_json->>'user_id'), row_id);
CREATE INDEX IF NOT EXISTS idx_tasks_project
    ON tasks (partition_id, (row_json->>'project_id'), row_id);
`

// EnsureSchema creates the reference tables.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("tables: ensure schema: %w", err)
	}
	return nil
}

// RegisterDefaults registers the bundled projects and tasks handlers.
// Tasks bootstrap after projects so foreign references resolve locally.
// Task payloads must carry both user_id and project_id; deployments
// with user-only scoping should register their own Config instead.
func RegisterDefaults(reg *handler.Registry) error {
	if _, err := Register(reg, Config{
		Name:          "projects",
		ScopePatterns: []string{"user:{user_id}"},
		ScopeColumns:  []string{"user_id"},
	}); err != nil {
		return err
	}
	if _, err := Register(reg, Config{
		Name:          "tasks",
		DependsOn:     []string{"projects"},
		ScopePatterns: []string{"user:{user_id}", "project:{project_id}"},
		ScopeColumns:  []string{"user_id", "project_id"},
	}); err != nil {
		return err
	}
	return nil
}
