// Package oracle runs user queries against their Oracle database over the
// go-ora thin driver through database/sql.
package oracle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	go_ora "github.com/sijms/go-ora/v2"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// Runner opens one short-lived connection per job. Each job carries its own
// credentials, so there is no shared pool to the target databases.
type Runner struct {
	// PrefetchRows sizes the driver's row prefetch; matches the export chunk
	// size so one fetch round-trip feeds one export chunk.
	PrefetchRows int
}

// NewRunner constructs a Runner.
func NewRunner(prefetchRows int) *Runner {
	if prefetchRows <= 0 {
		prefetchRows = 1000
	}
	return &Runner{PrefetchRows: prefetchRows}
}

// Run connects with the job's credentials, executes the SQL and returns a
// streaming iterator over the result set. The connection is closed by the
// iterator's Close, or here on any failure path.
func (r *Runner) Run(ctx domain.Context, creds domain.DBCredentials, sqlText string) (domain.RowIterator, error) {
	dsn, err := r.buildDSN(creds)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("oracle", dsn)
	if err != nil {
		return nil, domain.WrapErr(domain.KindDBConnect, fmt.Errorf("open connection: %w", err))
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, classifyCtx(ctxErr)
		}
		return nil, domain.WrapErr(domain.KindDBConnect, fmt.Errorf("connect to %s: %w", creds.TNS, err))
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		_ = db.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, classifyCtx(ctxErr)
		}
		return nil, domain.WrapErr(domain.KindDBExecute, fmt.Errorf("execute query: %w", err))
	}

	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		_ = db.Close()
		return nil, domain.WrapErr(domain.KindDBExecute, fmt.Errorf("read column metadata: %w", err))
	}

	slog.Debug("query connected", slog.String("tns", creds.TNS), slog.Int("columns", len(cols)))
	return &rowIterator{ctx: ctx, db: db, rows: rows, cols: cols}, nil
}

// buildDSN turns the job's TNS field into a go-ora connection string. Two
// shapes are accepted: host:port/service, and a full TNS descriptor
// (anything containing a parenthesis).
func (r *Runner) buildDSN(creds domain.DBCredentials) (string, error) {
	opts := map[string]string{
		"PREFETCH_ROWS": strconv.Itoa(r.PrefetchRows),
	}
	tns := strings.TrimSpace(creds.TNS)
	if tns == "" {
		return "", domain.Errf(domain.KindValidation, "empty connection string")
	}
	if strings.Contains(tns, "(") {
		return go_ora.BuildJDBC(creds.Username, creds.Password, tns, opts), nil
	}

	hostPort, service, ok := strings.Cut(tns, "/")
	if !ok || service == "" {
		return "", domain.Errf(domain.KindValidation, "connection string %q is not host:port/service", tns)
	}
	host := hostPort
	port := 1521
	if h, p, err := net.SplitHostPort(hostPort); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return go_ora.BuildUrl(host, port, service, creds.Username, creds.Password, opts), nil
}

func classifyCtx(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapErr(domain.KindTimeout, err)
	}
	return domain.WrapErr(domain.KindCanceled, err)
}

// rowIterator adapts sql.Rows to the streaming iterator contract. Values come
// back as the driver's native Go types; the exporters handle formatting.
type rowIterator struct {
	ctx    domain.Context
	db     *sql.DB
	rows   *sql.Rows
	cols   []string
	closed bool
}

func (it *rowIterator) Columns() []string { return it.cols }

func (it *rowIterator) Next() ([]any, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			if ctxErr := it.ctx.Err(); ctxErr != nil {
				return nil, classifyCtx(ctxErr)
			}
			return nil, domain.WrapErr(domain.KindDBExecute, fmt.Errorf("fetch rows: %w", err))
		}
		return nil, io.EOF
	}
	vals := make([]any, len(it.cols))
	ptrs := make([]any, len(it.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		return nil, domain.WrapErr(domain.KindDBExecute, fmt.Errorf("scan row: %w", err))
	}
	return vals, nil
}

func (it *rowIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.rows.Close()
	if cerr := it.db.Close(); err == nil {
		err = cerr
	}
	return err
}
