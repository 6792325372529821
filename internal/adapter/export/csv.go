package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// CSVExporter writes RFC 4180 CSV with a header row.
type CSVExporter struct {
	ChunkRows int
}

// Export streams the iterator to path.
func (e *CSVExporter) Export(ctx domain.Context, it domain.RowIterator, path string) (domain.ExportStats, error) {
	return writeAtomic(path, func(stage string) (domain.ExportStats, error) {
		f, err := os.Create(stage)
		if err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("create csv: %w", err))
		}
		defer f.Close()

		w := csv.NewWriter(f)
		cols := it.Columns()
		if err := w.Write(cols); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("write header: %w", err))
		}

		stats := domain.ExportStats{ColumnCount: int64(len(cols))}
		record := make([]string, len(cols))
		for {
			row, err := readRow(it)
			if err != nil {
				return domain.ExportStats{}, err
			}
			if row == nil {
				break
			}
			for i, v := range row {
				record[i] = formatCell(v)
			}
			if err := w.Write(record); err != nil {
				return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("write row: %w", err))
			}
			stats.RowCount++
			if stats.RowCount%int64(e.ChunkRows) == 0 {
				if err := checkCtx(ctx); err != nil {
					return domain.ExportStats{}, err
				}
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("flush csv: %w", err))
		}
		if err := f.Sync(); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("sync csv: %w", err))
		}
		return stats, nil
	})
}

// readRow translates the iterator's io.EOF into a nil row.
func readRow(it domain.RowIterator) ([]any, error) {
	row, err := it.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

// formatCell renders a cell for text formats. NULL renders as the empty
// string; timestamps as RFC 3339.
func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
