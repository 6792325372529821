package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// JSONExporter writes the result set as one top-level array of objects keyed
// by column name.
type JSONExporter struct {
	ChunkRows int
}

// Export streams the iterator to path.
func (e *JSONExporter) Export(ctx domain.Context, it domain.RowIterator, path string) (domain.ExportStats, error) {
	return writeAtomic(path, func(stage string) (domain.ExportStats, error) {
		f, err := os.Create(stage)
		if err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("create json: %w", err))
		}
		defer f.Close()

		w := bufio.NewWriter(f)
		cols := it.Columns()
		stats := domain.ExportStats{ColumnCount: int64(len(cols))}

		if _, err := w.WriteString("["); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, err)
		}
		enc := json.NewEncoder(w)
		obj := make(map[string]any, len(cols))
		for {
			row, err := readRow(it)
			if err != nil {
				return domain.ExportStats{}, err
			}
			if row == nil {
				break
			}
			if stats.RowCount > 0 {
				if _, err := w.WriteString(",\n"); err != nil {
					return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, err)
				}
			}
			for i, c := range cols {
				obj[c] = jsonCell(row[i])
			}
			if err := enc.Encode(obj); err != nil {
				return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("encode row: %w", err))
			}
			stats.RowCount++
			if stats.RowCount%int64(e.ChunkRows) == 0 {
				if err := checkCtx(ctx); err != nil {
					return domain.ExportStats{}, err
				}
			}
		}
		if _, err := w.WriteString("]\n"); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, err)
		}
		if err := w.Flush(); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("flush json: %w", err))
		}
		if err := f.Sync(); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("sync json: %w", err))
		}
		return stats, nil
	})
}

// jsonCell keeps native JSON types and normalizes the rest to strings.
func jsonCell(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64, float32, int64, int32, int:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}
