package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// QueryRepo persists and loads query jobs. It is the single owner of the
// lifecycle record; every status write is a single-row update keyed by id,
// and ClaimNext is the only operation that reasons about cross-row capacity.
type QueryRepo struct{ Pool PgxPool }

// NewQueryRepo constructs a QueryRepo with the given pool.
func NewQueryRepo(p PgxPool) *QueryRepo { return &QueryRepo{Pool: p} }

const queryColumns = `id, user_id, db_username, db_password, db_tns, query_text, status,
	COALESCE(export_location,''), COALESCE(export_type,''), COALESCE(export_filename,''),
	COALESCE(ssh_hostname,''), COALESCE(claimed_by,''), COALESCE(error_message,''),
	result_metadata, created_at, updated_at, started_at, completed_at`

// claimColumns qualifies every column with the queries alias. The claim
// select joins user_settings, which shares user_id, export_location,
// export_type and ssh_hostname with queries; unqualified names would be
// ambiguous there.
const claimColumns = `q.id, q.user_id, q.db_username, q.db_password, q.db_tns, q.query_text, q.status,
	COALESCE(q.export_location,''), COALESCE(q.export_type,''), COALESCE(q.export_filename,''),
	COALESCE(q.ssh_hostname,''), COALESCE(q.claimed_by,''), COALESCE(q.error_message,''),
	q.result_metadata, q.created_at, q.updated_at, q.started_at, q.completed_at`

func scanQuery(row pgx.Row) (domain.Query, error) {
	var q domain.Query
	err := row.Scan(
		&q.ID, &q.UserID, &q.DBUsername, &q.DBPassword, &q.DBTNS, &q.QueryText, &q.Status,
		&q.ExportLocation, &q.ExportType, &q.ExportFilename,
		&q.SSHHostname, &q.ClaimedBy, &q.ErrorMessage,
		&q.ResultMetadata, &q.CreatedAt, &q.UpdatedAt, &q.StartedAt, &q.CompletedAt,
	)
	return q, err
}

// Enqueue inserts a new job in pending and returns the assigned id.
func (r *QueryRepo) Enqueue(ctx domain.Context, spec domain.QuerySpec) (int64, error) {
	tracer := otel.Tracer("repo.queries")
	ctx, span := tracer.Start(ctx, "queries.Enqueue")
	defer span.End()
	q := `INSERT INTO queries
		(user_id, db_username, db_password, db_tns, query_text, status,
		 export_location, export_type, export_filename, ssh_hostname, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'pending',$6,$7,$8,$9,$10,$10)
		RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q,
		spec.UserID, spec.DBUsername, spec.DBPassword, spec.DBTNS, spec.QueryText,
		nullIfEmpty(spec.ExportLocation), nullIfEmpty(spec.ExportType),
		nullIfEmpty(spec.ExportFilename), nullIfEmpty(spec.SSHHostname),
		time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=query.enqueue: %w", err)
	}
	return id, nil
}

// ClaimNext atomically selects the oldest admissible pending or queued row
// and advances it to queued, stamping the claiming generation. A row is
// admissible when its owner has headroom under the per-user cap and the
// global cap is not saturated. The serializable transaction plus SKIP LOCKED
// keeps two claimants from counting the same slot twice.
func (r *QueryRepo) ClaimNext(ctx domain.Context, limits domain.ClaimLimits) (domain.Query, error) {
	tracer := otel.Tracer("repo.queries")
	ctx, span := tracer.Start(ctx, "queries.ClaimNext")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return domain.Query{}, fmt.Errorf("op=query.claim_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sel := `SELECT ` + claimColumns + `
		FROM queries q
		LEFT JOIN user_settings s ON s.user_id = q.user_id
		WHERE q.status IN ('pending','queued')
		  AND (SELECT count(*) FROM queries a
		        WHERE a.user_id = q.user_id
		          AND a.id <> q.id
		          AND a.status IN ('queued','running','transferring')) < COALESCE(s.max_parallel_queries, $1)
		  AND (SELECT count(*) FROM queries g
		        WHERE g.status IN ('running','transferring')) < $2
		ORDER BY q.created_at ASC, q.id ASC
		LIMIT 1
		FOR UPDATE OF q SKIP LOCKED`
	job, err := scanQuery(tx.QueryRow(ctx, sel, limits.DefaultUserCap, limits.GlobalCap))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Query{}, fmt.Errorf("op=query.claim: %w", domain.ErrNoClaimableJob)
		}
		return domain.Query{}, fmt.Errorf("op=query.claim: %w", err)
	}

	// A recovery reason may linger in error_message from a reclaim; a fresh
	// claim clears it.
	_, err = tx.Exec(ctx,
		`UPDATE queries SET status='queued', claimed_by=$2, error_message=NULL WHERE id=$1`,
		job.ID, limits.Generation)
	if err != nil {
		return domain.Query{}, fmt.Errorf("op=query.claim_update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Query{}, fmt.Errorf("op=query.claim_commit: %w", err)
	}

	span.SetAttributes(attribute.Int64("job.id", job.ID))
	job.Status = domain.StatusQueued
	job.ClaimedBy = limits.Generation
	job.ErrorMessage = ""
	return job, nil
}

// Transition applies a status change after validating it against the legal
// DAG. started_at is set on the first move to running; completed_at on the
// first terminal move. updated_at bumps via the table trigger.
func (r *QueryRepo) Transition(ctx domain.Context, id int64, next domain.JobStatus, fields domain.TransitionFields) error {
	tracer := otel.Tracer("repo.queries")
	ctx, span := tracer.Start(ctx, "queries.Transition")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", id), attribute.String("job.next_status", string(next)))

	if !next.Valid() {
		return fmt.Errorf("op=query.transition: %q: %w", next, domain.ErrInvalidTransition)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=query.transition_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current domain.JobStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM queries WHERE id=$1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=query.transition: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=query.transition: %w", err)
	}
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("op=query.transition: %s -> %s: %w", current, next, domain.ErrInvalidTransition)
	}

	upd := `UPDATE queries SET
		status = $2,
		error_message = CASE WHEN $3 = '' THEN error_message ELSE $3 END,
		result_metadata = CASE WHEN $4::jsonb IS NULL THEN result_metadata
			ELSE COALESCE(result_metadata, '{}'::jsonb) || $4::jsonb END,
		started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
		completed_at = CASE WHEN $2 IN ('completed','failed') AND completed_at IS NULL THEN now() ELSE completed_at END
		WHERE id = $1`
	var md map[string]any
	if len(fields.Metadata) > 0 {
		md = fields.Metadata
	}
	if _, err := tx.Exec(ctx, upd, id, next, fields.ErrorMessage, md); err != nil {
		return fmt.Errorf("op=query.transition_update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=query.transition_commit: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *QueryRepo) Get(ctx domain.Context, id int64) (domain.Query, error) {
	tracer := otel.Tracer("repo.queries")
	ctx, span := tracer.Start(ctx, "queries.Get")
	defer span.End()
	q := `SELECT ` + queryColumns + ` FROM queries q WHERE id=$1`
	job, err := scanQuery(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Query{}, fmt.Errorf("op=query.get: %w", domain.ErrNotFound)
		}
		return domain.Query{}, fmt.Errorf("op=query.get: %w", err)
	}
	return job, nil
}

// List returns jobs matching the filter, newest first.
func (r *QueryRepo) List(ctx domain.Context, f domain.ListFilter) ([]domain.Query, error) {
	tracer := otel.Tracer("repo.queries")
	ctx, span := tracer.Start(ctx, "queries.List")
	defer span.End()

	q := `SELECT ` + queryColumns + ` FROM queries q WHERE ($1 = 0 OR q.user_id = $1)
		AND ($2 = '' OR q.status::text = $2)
		ORDER BY q.created_at DESC, q.id DESC
		LIMIT $3 OFFSET $4`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, q, f.UserID, string(f.Status), limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("op=query.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Query
	for rows.Next() {
		job, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("op=query.list_scan: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=query.list_rows: %w", err)
	}
	return out, nil
}

// Delete removes a job. Rows currently in running or transferring are owned
// by a worker and cannot be deleted.
func (r *QueryRepo) Delete(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.queries")
	ctx, span := tracer.Start(ctx, "queries.Delete")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=query.delete_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current domain.JobStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM queries WHERE id=$1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=query.delete: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=query.delete: %w", err)
	}
	if current == domain.StatusRunning || current == domain.StatusTransferring {
		return fmt.Errorf("op=query.delete: status %s: %w", current, domain.ErrConflict)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM queries WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=query.delete_exec: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=query.delete_commit: %w", err)
	}
	return nil
}

// MarkRerun returns a terminal job to pending with a clean slate, keeping
// its id. Rerun on a non-terminal job is a validation failure; the store is
// the enforcer, not the UI.
func (r *QueryRepo) MarkRerun(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.queries")
	ctx, span := tracer.Start(ctx, "queries.MarkRerun")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=query.rerun_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current domain.JobStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM queries WHERE id=$1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=query.rerun: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=query.rerun: %w", err)
	}
	if !current.Terminal() {
		return fmt.Errorf("op=query.rerun: status %s: %w", current, domain.ErrInvalidArgument)
	}
	_, err = tx.Exec(ctx, `UPDATE queries SET
		status='pending', error_message=NULL, result_metadata=NULL,
		started_at=NULL, completed_at=NULL, claimed_by=NULL
		WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=query.rerun_update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=query.rerun_commit: %w", err)
	}
	return nil
}

// ReclaimStale returns orphaned non-terminal jobs to pending. A row is
// orphaned when it was claimed by a different process generation, or when it
// has not been touched within olderThan. The next dispatch restarts the job
// from scratch; partial result metadata is discarded.
func (r *QueryRepo) ReclaimStale(ctx domain.Context, generation string, olderThan time.Duration) ([]int64, error) {
	tracer := otel.Tracer("repo.queries")
	ctx, span := tracer.Start(ctx, "queries.ReclaimStale")
	defer span.End()

	cutoff := time.Now().UTC().Add(-olderThan)
	q := `UPDATE queries SET
		status='pending',
		error_message='reclaimed by recovery: orphaned by a previous processor run',
		result_metadata=NULL, started_at=NULL, completed_at=NULL, claimed_by=NULL
		WHERE status IN ('queued','running','transferring')
		  AND (claimed_by IS DISTINCT FROM $1 OR updated_at < $2)
		RETURNING id`
	rows, err := r.Pool.Query(ctx, q, generation, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=query.reclaim: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=query.reclaim_scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=query.reclaim_rows: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs.reclaimed", len(ids)))
	return ids, nil
}

// CurrentCounts returns the per-status row counts for status readers.
func (r *QueryRepo) CurrentCounts(ctx domain.Context) (domain.StatusCounts, error) {
	tracer := otel.Tracer("repo.queries")
	ctx, span := tracer.Start(ctx, "queries.CurrentCounts")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT status, count(*) FROM queries GROUP BY status`)
	if err != nil {
		return domain.StatusCounts{}, fmt.Errorf("op=query.counts: %w", err)
	}
	defer rows.Close()

	var c domain.StatusCounts
	for rows.Next() {
		var status domain.JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.StatusCounts{}, fmt.Errorf("op=query.counts_scan: %w", err)
		}
		switch status {
		case domain.StatusPending:
			c.Pending = n
		case domain.StatusQueued:
			c.Queued = n
		case domain.StatusRunning:
			c.Running = n
		case domain.StatusTransferring:
			c.Transferring = n
		case domain.StatusCompleted:
			c.Completed = n
		case domain.StatusFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.StatusCounts{}, fmt.Errorf("op=query.counts_rows: %w", err)
	}
	return c, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
