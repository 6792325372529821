package postgres_test

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// fakePool is a scriptable stand-in for the pgx pool subset the repos use.
type fakePool struct {
	queryRowFn func(sql string, args []any) pgx.Row
	queryFn    func(sql string, args []any) (pgx.Rows, error)
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	beginFn    func(opts pgx.TxOptions) (pgx.Tx, error)
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.execFn(sql, args)
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return p.queryRowFn(sql, args)
}

func (p *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.queryFn(sql, args)
}

func (p *fakePool) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	return p.beginFn(opts)
}

// fakeTx overrides only the pgx.Tx methods the repos call; anything else
// panics via the embedded nil interface.
type fakeTx struct {
	pgx.Tx
	queryRowFn func(sql string, args []any) pgx.Row
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	committed  bool
	rolledBack bool
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return t.queryRowFn(sql, args)
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.execFn(sql, args)
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { t.rolledBack = true; return nil }

// fakeRow scans a fixed value tuple into the destinations.
type fakeRow struct {
	vals []any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.vals)
}

// fakeRows iterates fixed value tuples.
type fakeRows struct {
	pgx.Rows
	tuples [][]any
	pos    int
	err    error
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.tuples)
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(dest, r.tuples[r.pos-1])
}

func (r *fakeRows) Err() error { return r.err }
func (r *fakeRows) Close()     {}

func assign(dest, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("assign: %d destinations for %d values", len(dest), len(vals))
	}
	for i, v := range vals {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *int:
			*d = v.(int)
		case *string:
			*d = v.(string)
		case *domain.JobStatus:
			*d = v.(domain.JobStatus)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v == nil {
				*d = nil
			} else {
				tv := v.(time.Time)
				*d = &tv
			}
		case *map[string]any:
			if v == nil {
				*d = nil
			} else {
				*d = v.(map[string]any)
			}
		default:
			return fmt.Errorf("assign: unsupported destination %T", dest[i])
		}
	}
	return nil
}

// queryTuple builds a scan tuple matching the queryColumns select order.
func queryTuple(id, userID int64, status domain.JobStatus) []any {
	now := time.Now().UTC()
	return []any{
		id, userID, "scott", "tiger", "db.internal:1521/ORCL", "SELECT 1 FROM dual", status,
		"", "", "", "", "", "",
		nil, now, now, nil, nil,
	}
}
