package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/morezero/kiwibus/pkg/trace"
)

const repoLogPrefix = "db:repository"

// DefaultTraceLimit caps ListTraces when no limit is given.
const DefaultTraceLimit = 100

// Querier is the subset of pgxpool.Pool used by the repository.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TraceRepository stores mirrored bus traffic in the bus_trace table.
type TraceRepository struct {
	db Querier
}

var _ trace.Store = (*TraceRepository)(nil)

// NewTraceRepository creates a TraceRepository over a pool or transaction.
func NewTraceRepository(db Querier) *TraceRepository {
	return &TraceRepository{db: db}
}

// InsertTrace appends one entry.
func (r *TraceRepository) InsertTrace(ctx context.Context, e *trace.Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO bus_trace (bus_id, kind, address, action, code, message, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.BusID, e.Kind, e.Address, e.Action, e.Code, e.Message, ts)
	if err != nil {
		return fmt.Errorf("%s - insert trace failed: %w", repoLogPrefix, err)
	}
	return nil
}

// TraceFilter narrows ListTraces. Zero fields match everything.
type TraceFilter struct {
	BusID string
	Kind  string
	Since time.Time
	Limit int
}

// buildListQuery renders the SELECT for f, newest first.
func buildListQuery(f TraceFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.BusID != "" {
		args = append(args, f.BusID)
		where = append(where, fmt.Sprintf("bus_id = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("recorded_at >= $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultTraceLimit
	}
	args = append(args, limit)

	var b strings.Builder
	b.WriteString(`SELECT bus_id, kind, address, action, code, message, recorded_at FROM bus_trace`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY recorded_at DESC LIMIT $%d", len(args))
	return b.String(), args
}

// ListTraces returns recorded entries matching f, newest first.
func (r *TraceRepository) ListTraces(ctx context.Context, f TraceFilter) ([]*trace.Entry, error) {
	sql, args := buildListQuery(f)
	slog.Debug(fmt.Sprintf("%s - ListTraces bus=%s kind=%s", repoLogPrefix, f.BusID, f.Kind))

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - list traces failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []*trace.Entry
	for rows.Next() {
		var e trace.Entry
		if err := rows.Scan(&e.BusID, &e.Kind, &e.Address, &e.Action, &e.Code, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("%s - scan trace failed: %w", repoLogPrefix, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - iterate traces failed: %w", repoLogPrefix, err)
	}
	return out, nil
}

// PruneTraces deletes entries recorded before cutoff and returns how many were removed.
func (r *TraceRepository) PruneTraces(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM bus_trace WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s - prune traces failed: %w", repoLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Pruned %d trace entries older than %s", repoLogPrefix, tag.RowsAffected(), cutoff.Format(time.RFC3339)))
	return tag.RowsAffected(), nil
}

// ClearTraces truncates the trace table. Schema is preserved.
func (r *TraceRepository) ClearTraces(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `TRUNCATE TABLE bus_trace`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", repoLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Trace table cleared", repoLogPrefix))
	return nil
}
