package genestore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/3leaps/genomatrix/pkg/faults"
)

// Cell is one value of the gene matrix.
type Cell struct {
	GeneSymbol string
	ArrayIndex int
	Value      string
}

// SetCell writes the value of a gene at an array_index. A second write to
// the same cell replaces the first, so a gene listed twice in one output
// keeps its last value.
func SetCell(ctx context.Context, q Querier, annotVersion, symbol string, index int, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO gene_cells (annot_version, gene_symbol, array_index, value)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(annot_version, gene_symbol, array_index)
		 DO UPDATE SET value = excluded.value`,
		annotVersion, symbol, index, value)
	if err != nil {
		return faults.Persistence("set cell", err)
	}
	return nil
}

// GetCell reads one cell. ok is false when nothing was written there.
func GetCell(ctx context.Context, q Querier, annotVersion, symbol string, index int) (value string, ok bool, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT value FROM gene_cells
		 WHERE annot_version = ? AND gene_symbol = ? AND array_index = ?`,
		annotVersion, symbol, index).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, faults.Persistence("get cell", err)
	}
	return value, true, nil
}

// CellsAt returns the cells stored at the given indices keyed by index, then
// by gene symbol.
func CellsAt(ctx context.Context, q Querier, annotVersion string, indices []int) (map[int]map[string]string, error) {
	out := make(map[int]map[string]string, len(indices))
	for _, chunk := range chunkInts(indices, inChunkSize) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, annotVersion)
		for _, idx := range chunk {
			args = append(args, idx)
		}
		rows, err := q.QueryContext(ctx,
			`SELECT gene_symbol, array_index, value FROM gene_cells
			 WHERE annot_version = ? AND array_index IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, faults.Persistence("cells at", err)
		}
		for rows.Next() {
			var c Cell
			if err := rows.Scan(&c.GeneSymbol, &c.ArrayIndex, &c.Value); err != nil {
				_ = rows.Close()
				return nil, faults.Persistence("scan cell", err)
			}
			m, ok := out[c.ArrayIndex]
			if !ok {
				m = make(map[string]string)
				out[c.ArrayIndex] = m
			}
			m[c.GeneSymbol] = c.Value
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, faults.Persistence("cells at", err)
		}
	}
	return out, nil
}

// CountCells counts the cells written at one array_index.
func CountCells(ctx context.Context, q Querier, annotVersion string, index int) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gene_cells WHERE annot_version = ? AND array_index = ?`,
		annotVersion, index).Scan(&n); err != nil {
		return 0, faults.Persistence("count cells", err)
	}
	return n, nil
}
