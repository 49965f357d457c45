// Package tables provides pgx-backed reference table handlers for the
// sync engine: JSON-payload rows keyed by row id, with per-row scope
// columns and optimistic server_version checks.
package tables

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

// Config describes one synced table.
type Config struct {
	// Name is the SQL and wire table name.
	Name string
	// DependsOn lists tables that bootstrap first.
	DependsOn []string
	// ScopePatterns declares the scope vocabulary, e.g. "user:{user_id}".
	ScopePatterns []string
	// ScopeColumns are the payload keys carrying scope values. Every
	// scope column must be present on upserted payloads.
	ScopeColumns []string
	// Resolve returns the scopes the actor may see. The default allows
	// user_id = actor and leaves any other declared key unrestricted.
	Resolve func(ctx context.Context, hc handler.Context) (scope.Map, error)
}

// Table implements handler.Handler over a generic JSON-payload SQL
// table with scope columns and a server_version counter.
type Table struct {
	cfg      Config
	registry *handler.Registry
}

// Register constructs the handler and adds it to the registry.
func Register(reg *handler.Registry, cfg Config) (*Table, error) {
	t := &Table{cfg: cfg, registry: reg}
	if err := reg.Register(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) Table() string           { return t.cfg.Name }
func (t *Table) ScopePatterns() []string { return t.cfg.ScopePatterns }
func (t *Table) DependsOn() []string     { return t.cfg.DependsOn }

// ResolveScopes defaults to {user_id: actor, <other keys>: *}.
func (t *Table) ResolveScopes(ctx context.Context, hc handler.Context) (scope.Map, error) {
	if t.cfg.Resolve != nil {
		return t.cfg.Resolve(ctx, hc)
	}
	allowed := scope.Map{}
	for _, pattern := range t.cfg.ScopePatterns {
		key, ok := scope.PatternKey(pattern)
		if !ok {
			continue
		}
		if key == "user_id" {
			allowed[key] = scope.String(hc.ActorID)
		} else {
			allowed[key] = scope.Any()
		}
	}
	return allowed, nil
}

// ExtractScopes reads the scope columns off a row payload.
func (t *Table) ExtractScopes(row map[string]any) (scope.Map, error) {
	out := scope.Map{}
	for _, col := range t.cfg.ScopeColumns {
		v, ok := row[col]
		if !ok {
			return nil, fmt.Errorf("tables: %s: payload missing scope column %q", t.cfg.Name, col)
		}
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("tables: %s: scope column %q must be a non-empty string", t.cfg.Name, col)
		}
		out[col] = scope.String(s)
	}
	return out, nil
}

// ApplyOperation applies one upsert or delete with optimistic
// base_version checking against the stored server_version.
func (t *Table) ApplyOperation(ctx context.Context, hc handler.Context, op syncx.Operation, opIndex int) (handler.ApplyResult, error) {
	switch op.Op {
	case syncx.OpUpsert:
		return t.applyUpsert(ctx, hc, op, opIndex)
	case syncx.OpDelete:
		return t.applyDelete(ctx, hc, op, opIndex)
	default:
		return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeInvalidOperation, false,
			fmt.Sprintf("unknown op %q", op.Op))}, nil
	}
}

func (t *Table) applyUpsert(ctx context.Context, hc handler.Context, op syncx.Operation, opIndex int) (handler.ApplyResult, error) {
	rowScopes, err := t.ExtractScopes(op.Payload)
	if err != nil {
		return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeNotNullConstraint, false, err.Error())}, nil
	}

	var serverVersion int64
	var serverRow map[string]any
	err = hc.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT row_json, server_version FROM %s
		WHERE partition_id = $1 AND row_id = $2
		FOR UPDATE
	`, t.ident()), hc.Partition, op.RowID).Scan(&serverRow, &serverVersion)
	exists := true
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return handler.ApplyResult{}, fmt.Errorf("tables: %s: probe row: %w", t.cfg.Name, err)
	}

	if op.BaseVersion != nil {
		if !exists {
			return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeRowMissing, false,
				"base_version provided but row does not exist")}, nil
		}
		if *op.BaseVersion != serverVersion {
			decoded, derr := t.registry.DecodeRow(t.cfg.Name, serverRow)
			if derr != nil {
				decoded = serverRow
			}
			return handler.ApplyResult{Result: syncx.Conflict(opIndex, serverVersion, decoded,
				fmt.Sprintf("row version is %d, push based on %d", serverVersion, *op.BaseVersion))}, nil
		}
	}

	newVersion := int64(1)
	if exists {
		newVersion = serverVersion + 1
	}

	stored, err := t.registry.EncodeRow(t.cfg.Name, op.Payload)
	if err != nil {
		return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeInvalidOperation, false, err.Error())}, nil
	}
	stored = withVersion(stored, newVersion)

	_, err = hc.DB.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (partition_id, row_id, row_json, server_version, scope_key, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (partition_id, row_id) DO UPDATE SET
			row_json       = EXCLUDED.row_json,
			server_version = EXCLUDED.server_version,
			scope_key      = EXCLUDED.scope_key,
			updated_at     = NOW()
	`, t.ident()), hc.Partition, op.RowID, stored, newVersion, scope.Key(rowScopes))
	if err != nil {
		return handler.ApplyResult{}, fmt.Errorf("tables: %s: upsert: %w", t.cfg.Name, err)
	}

	emitted := withVersion(op.Payload, newVersion)
	return handler.ApplyResult{
		Result: syncx.Applied(opIndex),
		Changes: []syncx.Change{{
			Table:      t.cfg.Name,
			RowID:      op.RowID,
			Op:         syncx.OpUpsert,
			Row:        emitted,
			RowVersion: &newVersion,
			Scopes:     rowScopes,
		}},
	}, nil
}

func (t *Table) applyDelete(ctx context.Context, hc handler.Context, op syncx.Operation, opIndex int) (handler.ApplyResult, error) {
	var serverRow map[string]any
	var serverVersion int64
	err := hc.DB.QueryRow(ctx, fmt.Sprintf(`
		SELECT row_json, server_version FROM %s
		WHERE partition_id = $1 AND row_id = $2
		FOR UPDATE
	`, t.ident()), hc.Partition, op.RowID).Scan(&serverRow, &serverVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		if op.BaseVersion != nil {
			return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeRowMissing, false,
				"base_version provided but row does not exist")}, nil
		}
		// Deleting a row that never existed is a successful no-op.
		return handler.ApplyResult{Result: syncx.Applied(opIndex)}, nil
	}
	if err != nil {
		return handler.ApplyResult{}, fmt.Errorf("tables: %s: probe row: %w", t.cfg.Name, err)
	}

	rowScopes, err := t.ExtractScopes(serverRow)
	if err != nil {
		return handler.ApplyResult{}, fmt.Errorf("tables: %s: stored row scopes: %w", t.cfg.Name, err)
	}
	if _, ok := scope.Intersect(rowScopes, hc.Scopes); !ok {
		return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeUnauthorizedScope, false,
			"row outside allowed scopes")}, nil
	}

	if op.BaseVersion != nil && *op.BaseVersion != serverVersion {
		decoded, derr := t.registry.DecodeRow(t.cfg.Name, serverRow)
		if derr != nil {
			decoded = serverRow
		}
		return handler.ApplyResult{Result: syncx.Conflict(opIndex, serverVersion, decoded,
			fmt.Sprintf("row version is %d, delete based on %d", serverVersion, *op.BaseVersion))}, nil
	}

	if _, err := hc.DB.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE partition_id = $1 AND row_id = $2
	`, t.ident()), hc.Partition, op.RowID); err != nil {
		return handler.ApplyResult{}, fmt.Errorf("tables: %s: delete: %w", t.cfg.Name, err)
	}

	tombstoneVersion := serverVersion + 1
	return handler.ApplyResult{
		Result: syncx.Applied(opIndex),
		Changes: []syncx.Change{{
			Table:      t.cfg.Name,
			RowID:      op.RowID,
			Op:         syncx.OpDelete,
			RowVersion: &tombstoneVersion,
			Scopes:     rowScopes,
		}},
	}, nil
}

// Snapshot pages rows by row_id keyset under the context scopes. The
// returned cursor is the last row id of the page, opaque to callers.
// Pages read live rows rather than a frozen as-of view; a row written
// after the bootstrap's as-of point also arrives through the commit
// stream, and re-applying it is idempotent.
func (t *Table) Snapshot(ctx context.Context, hc handler.Context, page handler.PageRequest) (handler.Page, error) {
	where := []string{"partition_id = $1", "row_id > $2"}
	args := []any{hc.Partition, page.RowCursor}
	for _, col := range t.cfg.ScopeColumns {
		binding, ok := hc.Scopes[col]
		if !ok || binding.IsWildcard() {
			continue
		}
		args = append(args, binding.Values())
		where = append(where, fmt.Sprintf("row_json->>%s = ANY($%d)", quoteLiteral(col), len(args)))
	}

	args = append(args, page.Limit+1)
	query := fmt.Sprintf(`
		SELECT row_id, row_json, server_version FROM %s
		WHERE %s
		ORDER BY row_id
		LIMIT $%d
	`, t.ident(), strings.Join(where, " AND "), len(args))

	rows, err := hc.DB.Query(ctx, query, args...)
	if err != nil {
		return handler.Page{}, fmt.Errorf("tables: %s: snapshot: %w", t.cfg.Name, err)
	}
	defer rows.Close()

	var out []map[string]any
	var rowIDs []string
	for rows.Next() {
		var rowID string
		var row map[string]any
		var version int64
		if err := rows.Scan(&rowID, &row, &version); err != nil {
			return handler.Page{}, fmt.Errorf("tables: %s: snapshot scan: %w", t.cfg.Name, err)
		}
		decoded, derr := t.registry.DecodeRow(t.cfg.Name, row)
		if derr != nil {
			log.Warn().Err(derr).Str("table", t.cfg.Name).Str("row_id", rowID).Msg("codec decode failed, serving stored row")
			decoded = row
		}
		out = append(out, withVersion(decoded, version))
		rowIDs = append(rowIDs, rowID)
	}
	if err := rows.Err(); err != nil {
		return handler.Page{}, fmt.Errorf("tables: %s: snapshot rows: %w", t.cfg.Name, err)
	}

	next := ""
	if len(out) > page.Limit {
		out = out[:page.Limit]
		next = rowIDs[page.Limit-1]
	}
	return handler.Page{Rows: out, NextCursor: next}, nil
}

func (t *Table) ident() string {
	return pgx.Identifier{t.cfg.Name}.Sanitize()
}

// withVersion returns a copy of row with server_version set.
func withVersion(row map[string]any, version int64) map[string]any {
	out := make(map[string]any, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	out["server_version"] = version
	return out
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
