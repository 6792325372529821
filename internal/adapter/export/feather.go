package export

import (
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// FeatherExporter writes the Arrow IPC file format. The schema is inferred
// from the first chunk of rows; values that do not coerce to the inferred
// column type become nulls.
type FeatherExporter struct {
	ChunkRows int
}

// Export streams the iterator to path, one Arrow record batch per chunk.
func (e *FeatherExporter) Export(ctx domain.Context, it domain.RowIterator, path string) (domain.ExportStats, error) {
	return writeAtomic(path, func(stage string) (domain.ExportStats, error) {
		cols := it.Columns()
		stats := domain.ExportStats{ColumnCount: int64(len(cols))}

		first, err := e.readChunk(ctx, it)
		if err != nil {
			return domain.ExportStats{}, err
		}
		schema := inferSchema(cols, first)

		f, err := os.Create(stage)
		if err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("create feather: %w", err))
		}
		defer f.Close()

		mem := memory.NewGoAllocator()
		w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
		if err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("open arrow writer: %w", err))
		}

		builder := array.NewRecordBuilder(mem, schema)
		defer builder.Release()

		chunk := first
		for {
			if len(chunk) == 0 {
				break
			}
			for _, row := range chunk {
				for i, v := range row {
					appendCell(builder.Field(i), v)
				}
			}
			rec := builder.NewRecord()
			err := w.Write(rec)
			rec.Release()
			if err != nil {
				return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("write record batch: %w", err))
			}
			stats.RowCount += int64(len(chunk))

			chunk, err = e.readChunk(ctx, it)
			if err != nil {
				return domain.ExportStats{}, err
			}
		}

		if err := w.Close(); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("close arrow writer: %w", err))
		}
		if err := f.Sync(); err != nil {
			return domain.ExportStats{}, domain.WrapErr(domain.KindExportIO, fmt.Errorf("sync feather: %w", err))
		}
		return stats, nil
	})
}

// readChunk buffers up to ChunkRows rows, checking for cancellation between
// chunks. A nil slice means the iterator is exhausted.
func (e *FeatherExporter) readChunk(ctx domain.Context, it domain.RowIterator) ([][]any, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	var chunk [][]any
	for len(chunk) < e.ChunkRows {
		row, err := readRow(it)
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}
		chunk = append(chunk, row)
	}
	return chunk, nil
}

// inferSchema picks a column type from the first non-null value seen in the
// sample. Columns that are all null in the sample become strings.
func inferSchema(cols []string, sample [][]any) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, name := range cols {
		var dt arrow.DataType = arrow.BinaryTypes.String
		for _, row := range sample {
			switch row[i].(type) {
			case nil:
				continue
			case int64, int32, int:
				dt = arrow.PrimitiveTypes.Int64
			case float64, float32:
				dt = arrow.PrimitiveTypes.Float64
			case bool:
				dt = arrow.FixedWidthTypes.Boolean
			case time.Time:
				dt = arrow.FixedWidthTypes.Timestamp_us
			}
			break
		}
		fields[i] = arrow.Field{Name: name, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// appendCell coerces v into the column's builder, appending null when the
// value does not fit the inferred type.
func appendCell(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch bld := b.(type) {
	case *array.Int64Builder:
		switch t := v.(type) {
		case int64:
			bld.Append(t)
		case int32:
			bld.Append(int64(t))
		case int:
			bld.Append(int64(t))
		default:
			bld.AppendNull()
		}
	case *array.Float64Builder:
		switch t := v.(type) {
		case float64:
			bld.Append(t)
		case float32:
			bld.Append(float64(t))
		case int64:
			bld.Append(float64(t))
		default:
			bld.AppendNull()
		}
	case *array.BooleanBuilder:
		if t, ok := v.(bool); ok {
			bld.Append(t)
		} else {
			bld.AppendNull()
		}
	case *array.TimestampBuilder:
		if t, ok := v.(time.Time); ok {
			bld.Append(arrow.Timestamp(t.UTC().UnixMicro()))
		} else {
			bld.AppendNull()
		}
	case *array.StringBuilder:
		bld.Append(formatCell(v))
	default:
		b.AppendNull()
	}
}
