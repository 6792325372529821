package export

import (
	"fmt"
	"os"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// ExcelExporter writes a single-sheet xlsx workbook via the excelize stream
// writer, which spools rows to temp storage instead of holding the workbook
// in memory.
type ExcelExporter struct {
	ChunkRows int
}

const excelSheet = "Sheet1"

// Export streams the iterator to path.
func (e *ExcelExporter) Export(ctx domain.Context, it domain.RowIterator, path string) (domain.ExportStats, error) {
	return writeAtomic(path, func(stage string) (domain.ExportStats, error) {
		f := excelize.NewFile()
		defer f.Close()

		sw, err := f.NewStreamWriter(excelSheet)
		if err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("open stream writer: %w", err))
		}

		cols := it.Columns()
		header := make([]any, len(cols))
		for i, c := range cols {
			header[i] = c
		}
		if err := sw.SetRow("A1", header); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("write header: %w", err))
		}

		stats := domain.ExportStats{ColumnCount: int64(len(cols))}
		for {
			row, err := readRow(it)
			if err != nil {
				return domain.ExportStats{}, err
			}
			if row == nil {
				break
			}
			cells := make([]any, len(row))
			for i, v := range row {
				cells[i] = excelCell(v)
			}
			cell, _ := excelize.CoordinatesToCellName(1, int(stats.RowCount)+2)
			if err := sw.SetRow(cell, cells); err != nil {
				return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("write row: %w", err))
			}
			stats.RowCount++
			if stats.RowCount%int64(e.ChunkRows) == 0 {
				if err := checkCtx(ctx); err != nil {
					return domain.ExportStats{}, err
				}
			}
		}
		if err := sw.Flush(); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("flush workbook: %w", err))
		}
		// SaveAs validates the file extension, which rejects the ".partial"
		// staging path, so create the file and write the workbook directly.
		out, err := os.Create(stage)
		if err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("save workbook: %w", err))
		}
		if err := f.Write(out); err != nil {
			_ = out.Close()
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("save workbook: %w", err))
		}
		if err := out.Close(); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("save workbook: %w", err))
		}
		return stats, nil
	})
}

// excelCell maps driver values to types the stream writer accepts.
func excelCell(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return t
	}
}
