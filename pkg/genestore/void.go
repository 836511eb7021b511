package genestore

import (
	"context"

	"github.com/3leaps/genomatrix/pkg/faults"
)

// Void sentinels written by unfinalize. Voided indices stay allocated.
const (
	VoidValue = "VOID"
	VoidJobID = "0"
)

// VoidCells overwrites the value at every index with VoidValue for every
// gene row of the annotation version, creating cells that were never
// written. It returns the number of cells touched.
func VoidCells(ctx context.Context, q Querier, annotVersion string, indices []int) (int64, error) {
	var total int64
	for _, idx := range indices {
		result, err := q.ExecContext(ctx,
			`INSERT INTO gene_cells (annot_version, gene_symbol, array_index, value)
			 SELECT annot_version, gene_symbol, CAST(? AS INTEGER), CAST(? AS TEXT)
			 FROM gene_rows
			 WHERE annot_version = ?
			 ON CONFLICT(annot_version, gene_symbol, array_index)
			 DO UPDATE SET value = excluded.value`,
			idx, VoidValue, annotVersion)
		if err != nil {
			return total, faults.Persistence("void cells", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return total, faults.Persistence("rows affected", err)
		}
		total += affected
	}
	return total, nil
}

// VoidOutputRecords releases the records of jobIDs: job_id becomes
// VoidJobID and subject_id becomes VoidValue. Rows are kept so their indices
// are never reallocated.
func VoidOutputRecords(ctx context.Context, q Querier, annotVersion string, jobIDs []string) (int64, error) {
	var total int64
	for _, chunk := range chunkStrings(jobIDs, inChunkSize) {
		args := make([]any, 0, len(chunk)+3)
		args = append(args, VoidJobID, VoidValue, annotVersion)
		for _, id := range chunk {
			args = append(args, id)
		}
		result, err := q.ExecContext(ctx,
			`UPDATE finalized_outputs
			 SET job_id = ?, subject_id = ?
			 WHERE annot_version = ?
			   AND job_id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return total, faults.Persistence("void output records", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return total, faults.Persistence("rows affected", err)
		}
		total += affected
	}
	return total, nil
}

// VoidStats summarizes voided allocations of an annotation version.
type VoidStats struct {
	TotalRecords  int64
	VoidedRecords int64
	VoidedCells   int64
}

// GetVoidStats retrieves statistics about voided allocations.
func GetVoidStats(ctx context.Context, q Querier, annotVersion string) (*VoidStats, error) {
	var stats VoidStats
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN job_id = ? AND subject_id = ? THEN 1 ELSE 0 END), 0)
		 FROM finalized_outputs WHERE annot_version = ?`,
		VoidJobID, VoidValue, annotVersion).Scan(&stats.TotalRecords, &stats.VoidedRecords)
	if err != nil {
		return nil, faults.Persistence("void stats", err)
	}

	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gene_cells WHERE annot_version = ? AND value = ?`,
		annotVersion, VoidValue).Scan(&stats.VoidedCells)
	if err != nil {
		return nil, faults.Persistence("void stats", err)
	}
	return &stats, nil
}
