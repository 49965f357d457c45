// Package handler defines the per-table handler contract and the
// registry that resolves dispatch and bootstrap dependency order.
package handler

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

// DB is the subset of the pgx executor surface table handlers use.
// Both *pgxpool.Pool and pgx.Tx satisfy it. Engine tests run handlers
// with a nil DB and in-memory state instead.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Context carries the per-request state a handler operates under.
type Context struct {
	DB        DB
	Partition string
	ActorID   string
	ClientID  string
	Scopes    scope.Map
	Params    map[string]any
}

// PageRequest asks a handler for one snapshot page. RowCursor is the
// opaque cursor the handler returned from the previous page, empty for
// the first page.
type PageRequest struct {
	Limit         int
	RowCursor     string
	AsOfCommitSeq int64
}

// Page is one snapshot page. NextCursor is empty on the last page.
type Page struct {
	Rows       []map[string]any
	NextCursor string
}

// ApplyResult is the outcome of one operation: the per-op result plus
// the change rows the operation emitted. Changes are empty unless the
// result status is applied.
type ApplyResult struct {
	Result  syncx.OpResult
	Changes []syncx.Change
}

// Handler is the per-table extension point of the sync engine.
type Handler interface {
	// Table returns the user table name this handler serves.
	Table() string

	// ScopePatterns declares the scope-key vocabulary as
	// "prefix:{varName}" patterns. Requested scopes referencing keys
	// outside this vocabulary are invalid.
	ScopePatterns() []string

	// DependsOn lists tables that must bootstrap before this one.
	DependsOn() []string

	// ResolveScopes returns the scopes the authenticated actor is
	// allowed to see. An empty-set binding revokes the subscription.
	ResolveScopes(ctx context.Context, hc Context) (scope.Map, error)

	// ExtractScopes derives the scope map of a row payload.
	ExtractScopes(row map[string]any) (scope.Map, error)

	// Snapshot produces one bootstrap page under the context scopes.
	Snapshot(ctx context.Context, hc Context, page PageRequest) (Page, error)

	// ApplyOperation applies one push operation and reports its result.
	ApplyOperation(ctx context.Context, hc Context, op syncx.Operation, opIndex int) (ApplyResult, error)
}

// Codec translates one column's values at the store boundary.
type Codec struct {
	ToDB   func(v any) (any, error)
	FromDB func(v any) (any, error)
}

// Registry holds the registered handlers, their resolved dependency
// order, and optional column codecs.
type Registry struct {
	handlers map[string]Handler
	codecs   map[string]map[string]Codec
	order    []string
	vocab    map[string]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		codecs:   make(map[string]map[string]Codec),
		vocab:    make(map[string]map[string]struct{}),
	}
}

// Register adds a handler. Duplicate tables, unknown dependencies, and
// dependency cycles are rejected; the topological order is recomputed
// on every successful registration.
func (r *Registry) Register(h Handler) error {
	table := h.Table()
	if table == "" {
		return fmt.Errorf("handler: empty table name")
	}
	if _, dup := r.handlers[table]; dup {
		return fmt.Errorf("handler: table %q already registered", table)
	}
	r.handlers[table] = h

	vocab := make(map[string]struct{})
	for _, pattern := range h.ScopePatterns() {
		key, ok := scope.PatternKey(pattern)
		if !ok {
			delete(r.handlers, table)
			return fmt.Errorf("handler: table %q: bad scope pattern %q", table, pattern)
		}
		vocab[key] = struct{}{}
	}
	r.vocab[table] = vocab

	order, err := r.sort()
	if err != nil {
		delete(r.handlers, table)
		delete(r.vocab, table)
		return err
	}
	r.order = order
	return nil
}

// Get returns the handler for a table.
func (r *Registry) Get(table string) (Handler, bool) {
	h, ok := r.handlers[table]
	return h, ok
}

// Tables returns all registered tables in dependency order.
func (r *Registry) Tables() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// KnownScopeKey reports whether key belongs to the table's declared
// scope-key vocabulary.
func (r *Registry) KnownScopeKey(table, key string) bool {
	vocab, ok := r.vocab[table]
	if !ok {
		return false
	}
	_, ok = vocab[key]
	return ok
}

// BootstrapOrder returns the dependency closure of table in topological
// order, dependencies first, the table itself last.
func (r *Registry) BootstrapOrder(table string) ([]string, error) {
	if _, ok := r.handlers[table]; !ok {
		return nil, fmt.Errorf("handler: unknown table %q", table)
	}
	want := make(map[string]struct{})
	var mark func(t string) error
	mark = func(t string) error {
		if _, seen := want[t]; seen {
			return nil
		}
		h, ok := r.handlers[t]
		if !ok {
			return fmt.Errorf("handler: table %q depends on unregistered table %q", table, t)
		}
		want[t] = struct{}{}
		for _, dep := range h.DependsOn() {
			if err := mark(dep); err != nil {
				return err
			}
		}
		return nil
	}
	if err := mark(table); err != nil {
		return nil, err
	}
	var out []string
	for _, t := range r.order {
		if _, ok := want[t]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// RegisterCodec installs a column codec for (table, column).
func (r *Registry) RegisterCodec(table, column string, c Codec) {
	if r.codecs[table] == nil {
		r.codecs[table] = make(map[string]Codec)
	}
	r.codecs[table][column] = c
}

// EncodeRow applies ToDB codecs to a row copy before storage.
func (r *Registry) EncodeRow(table string, row map[string]any) (map[string]any, error) {
	return r.translate(table, row, true)
}

// DecodeRow applies FromDB codecs to a row copy after load.
func (r *Registry) DecodeRow(table string, row map[string]any) (map[string]any, error) {
	return r.translate(table, row, false)
}

func (r *Registry) translate(table string, row map[string]any, toDB bool) (map[string]any, error) {
	cols := r.codecs[table]
	if len(cols) == 0 || row == nil {
		return row, nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	for col, codec := range cols {
		v, ok := out[col]
		if !ok {
			continue
		}
		fn := codec.FromDB
		if toDB {
			fn = codec.ToDB
		}
		if fn == nil {
			continue
		}
		nv, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("handler: codec %s.%s: %w", table, col, err)
		}
		out[col] = nv
	}
	return out, nil
}

// sort computes a deterministic topological order over the registered
// tables, dependencies first. Cycles and dangling dependencies fail.
func (r *Registry) sort() ([]string, error) {
	tables := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(tables))
	var out []string

	var visit func(t string) error
	visit = func(t string) error {
		switch state[t] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("handler: dependency cycle through %q", t)
		}
		state[t] = visiting
		h, ok := r.handlers[t]
		if !ok {
			return fmt.Errorf("handler: dependency on unregistered table %q", t)
		}
		deps := append([]string(nil), h.DependsOn()...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[t] = done
		out = append(out, t)
		return nil
	}

	for _, t := range tables {
		if err := visit(t); err != nil {
			return nil, err
		}
	}
	return out, nil
}
