package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// CleanupService removes terminal job rows older than the retention window
// and their spool files, so the local spool does not grow without bound.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData deletes completed and failed queries past retention and
// unlinks their local export files. Spool removal is best-effort; a row is
// still deleted when its file is already gone.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	rows, err := s.Pool.Query(ctx, `
		DELETE FROM queries
		WHERE status IN ('completed','failed') AND completed_at < $1
		RETURNING id, COALESCE(result_metadata->>'local_path','')
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.delete: %w", err)
	}
	defer rows.Close()

	deleted := 0
	for rows.Next() {
		var id int64
		var localPath string
		if err := rows.Scan(&id, &localPath); err != nil {
			return fmt.Errorf("op=cleanup.scan: %w", err)
		}
		deleted++
		if localPath == "" {
			continue
		}
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("cleanup could not remove spool file",
				slog.Int64("job_id", id), slog.String("path", localPath), slog.Any("error", err))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("op=cleanup.rows: %w", err)
	}
	if deleted > 0 {
		slog.Info("cleanup removed finished jobs", slog.Int("deleted", deleted))
	}
	return nil
}

// Run executes cleanup on the given interval until the context is canceled.
func (s *CleanupService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("cleanup run failed", slog.Any("error", err))
			}
		}
	}
}
