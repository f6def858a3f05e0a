package worklist

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet/file"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"

	"std2bids/internal/services"
)

func readParquet(ctx context.Context, path string) (*sourceTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "worklist", "open", path, err)
	}
	defer f.Close()

	pf, err := file.NewParquetReader(f)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "worklist", "parquet", "read footer", err)
	}

	mem := memory.NewGoAllocator()
	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "worklist", "parquet", "open arrow reader", err)
	}
	table, err := reader.ReadTable(ctx)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "worklist", "parquet", "read table", err)
	}
	defer table.Release()

	fields := table.Schema().Fields()
	numRows := int(table.NumRows())
	tbl := &sourceTable{
		columns: make([]string, len(fields)),
		rows:    make([][]cell, numRows),
	}
	for i := range tbl.rows {
		tbl.rows[i] = make([]cell, len(fields))
	}

	for colIdx, field := range fields {
		tbl.columns[colIdx] = field.Name
		row := 0
		for _, chunk := range table.Column(colIdx).Data().Chunks() {
			for j := 0; j < chunk.Len(); j++ {
				c, err := arrowCell(chunk, j)
				if err != nil {
					return nil, services.Wrap(services.ErrValidation, "worklist", "parquet", fmt.Sprintf("column %q", field.Name), err)
				}
				tbl.rows[row][colIdx] = c
				row++
			}
		}
	}
	return tbl, nil
}

func arrowCell(arr arrow.Array, j int) (cell, error) {
	if arr.IsNull(j) {
		return cell{null: true}, nil
	}
	switch a := arr.(type) {
	case *array.String:
		return cell{values: []string{a.Value(j)}}, nil
	case *array.LargeString:
		return cell{values: []string{a.Value(j)}}, nil
	case *array.Int64:
		return cell{values: []string{strconv.FormatInt(a.Value(j), 10)}}, nil
	case *array.Int32:
		return cell{values: []string{strconv.FormatInt(int64(a.Value(j)), 10)}}, nil
	case *array.Float64:
		return cell{values: []string{strconv.FormatFloat(a.Value(j), 'f', -1, 64)}}, nil
	case *array.Boolean:
		if !a.Value(j) {
			return cell{null: true}, nil
		}
		return cell{values: []string{"true"}}, nil
	case *array.List:
		offsets := a.Offsets()
		start, end := int(offsets[j]), int(offsets[j+1])
		values := a.ListValues()
		out := make([]string, 0, end-start)
		for k := start; k < end; k++ {
			if values.IsNull(k) {
				continue
			}
			inner, err := arrowCell(values, k)
			if err != nil {
				return cell{}, err
			}
			out = append(out, inner.values...)
		}
		return cell{values: out}, nil
	default:
		return cell{}, fmt.Errorf("unsupported arrow type %s", arr.DataType())
	}
}
