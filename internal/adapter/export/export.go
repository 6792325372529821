// Package export serializes query result sets to local files in the
// supported formats. Writers stream in chunks and never hold the full result
// set in memory, except feather which buffers per Arrow record batch.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// ChunkSize is the default number of rows written between context checks.
const ChunkSize = 1000

// Factory builds exporters by format name.
type Factory struct {
	// ChunkRows overrides ChunkSize when positive.
	ChunkRows int
}

// ForFormat returns the exporter for the given format name.
func (f *Factory) ForFormat(format string) (domain.Exporter, error) {
	chunk := f.ChunkRows
	if chunk <= 0 {
		chunk = ChunkSize
	}
	switch format {
	case domain.ExportCSV:
		return &CSVExporter{ChunkRows: chunk}, nil
	case domain.ExportJSON:
		return &JSONExporter{ChunkRows: chunk}, nil
	case domain.ExportExcel:
		return &ExcelExporter{ChunkRows: chunk}, nil
	case domain.ExportFeather:
		return &FeatherExporter{ChunkRows: chunk}, nil
	}
	return nil, domain.Errf(domain.KindExportFormat, "unsupported export type %q", format)
}

// Extension maps a format name to its file extension. Excel maps to xlsx.
func Extension(format string) string {
	switch format {
	case domain.ExportExcel:
		return "xlsx"
	case domain.ExportFeather:
		return "feather"
	case domain.ExportJSON:
		return "json"
	default:
		return "csv"
	}
}

// Filename returns the export file name for a job: the user-chosen name when
// set, otherwise query_<id>_<timestamp>.<ext>.
func Filename(jobID int64, chosen, format string) string {
	ext := Extension(format)
	if chosen != "" {
		if filepath.Ext(chosen) == "" {
			return chosen + "." + ext
		}
		return chosen
	}
	return fmt.Sprintf("query_%d_%s.%s", jobID, time.Now().UTC().Format("20060102T150405"), ext)
}

// SpoolPath returns the deterministic local staging path for a job's export,
// <root>/<user_id>/<job_id>.<ext>, creating the per-user spool directory.
func SpoolPath(root string, userID, jobID int64, format string) (string, error) {
	dir := filepath.Join(root, strconv.FormatInt(userID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", domain.WrapErr(domain.KindExportIO, fmt.Errorf("create spool dir: %w", err))
	}
	return filepath.Join(dir, fmt.Sprintf("%d.%s", jobID, Extension(format))), nil
}

// writeAtomic stages the export beside the target and renames into place, so
// a crash mid-write never leaves a partial file at the final path. The write
// function receives the staging path.
func writeAtomic(path string, write func(stage string) (domain.ExportStats, error)) (domain.ExportStats, error) {
	stage := path + "." + uuid.NewString() + ".partial"
	stats, err := write(stage)
	if err != nil {
		_ = os.Remove(stage)
		return domain.ExportStats{}, err
	}
	fi, err := os.Stat(stage)
	if err != nil {
		_ = os.Remove(stage)
		return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("stat export: %w", err))
	}
	stats.ByteSize = fi.Size()
	if err := os.Rename(stage, path); err != nil {
		_ = os.Remove(stage)
		return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("finalize export: %w", err))
	}
	return stats, nil
}

func checkCtx(ctx domain.Context) error {
	select {
	case <-ctx.Done():
		if err := ctx.Err(); err != nil {
			return domain.Classify(err)
		}
		return nil
	default:
		return nil
	}
}
