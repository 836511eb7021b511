package genestore

import (
	"context"
	"fmt"
	"time"

	"github.com/3leaps/genomatrix/pkg/faults"
	"github.com/3leaps/genomatrix/pkg/jobstatus"
)

// OutputRecord binds an array_index to the subject column it holds.
type OutputRecord struct {
	AnnotVersion string
	ArrayIndex   int
	JobID        string
	SubjectID    string
	GroupID      string
	CreatedAt    time.Time
}

// Voided reports whether the record was released by an unfinalize.
func (r OutputRecord) Voided() bool {
	return r.JobID == VoidJobID && r.SubjectID == VoidValue
}

// NextIndex returns the next free array_index for an annotation version:
// one past the highest recorded index, or 0 when none exist.
//
// Voided records still count, so an index is never handed out twice.
func NextIndex(ctx context.Context, q Querier, annotVersion string) (int, error) {
	var next int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(array_index), -1) + 1
		 FROM finalized_outputs WHERE annot_version = ?`, annotVersion).Scan(&next)
	if err != nil {
		return 0, faults.Persistence("next index", err)
	}
	return next, nil
}

// InsertOutputRecord stores one allocation. A duplicate (annot_version,
// array_index) surfaces as an AllocationRaceError.
func InsertOutputRecord(ctx context.Context, q Querier, rec OutputRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = nowUTC()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO finalized_outputs
		 (annot_version, array_index, job_id, subject_id, group_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.AnnotVersion, rec.ArrayIndex, rec.JobID, rec.SubjectID, rec.GroupID, formatTime(created))
	if err != nil {
		if isUniqueViolation(err) {
			return &faults.AllocationRaceError{AnnotVersion: rec.AnnotVersion, Index: rec.ArrayIndex, Err: err}
		}
		return faults.Persistence("insert output record", err)
	}
	return nil
}

// AllocateColumn claims the next array_index for a subject column of jobID
// and records it.
//
// It must run inside a Tx obtained from BeginLocked for the same
// annotation version.
func AllocateColumn(ctx context.Context, tx *Tx, jobID, subjectID, groupID string) (int, error) {
	if tx == nil || tx.annot == "" {
		return 0, faults.ErrNotLocked
	}
	idx, err := NextIndex(ctx, tx, tx.annot)
	if err != nil {
		return 0, err
	}
	rec := OutputRecord{
		AnnotVersion: tx.annot,
		ArrayIndex:   idx,
		JobID:        jobID,
		SubjectID:    subjectID,
		GroupID:      groupID,
	}
	if err := InsertOutputRecord(ctx, tx, rec); err != nil {
		return 0, err
	}
	return idx, nil
}

// ListOutputRecords returns the records of an annotation version ordered by
// array_index.
func ListOutputRecords(ctx context.Context, q Querier, annotVersion string) ([]OutputRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT annot_version, array_index, job_id, subject_id, group_id, created_at
		 FROM finalized_outputs WHERE annot_version = ?
		 ORDER BY array_index ASC`, annotVersion)
	if err != nil {
		return nil, faults.Persistence("list output records", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OutputRecord
	for rows.Next() {
		var (
			r       OutputRecord
			created string
		)
		if err := rows.Scan(&r.AnnotVersion, &r.ArrayIndex, &r.JobID, &r.SubjectID, &r.GroupID, &created); err != nil {
			return nil, faults.Persistence("scan output record", err)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Persistence("list output records", err)
	}
	return out, nil
}

// IndicesForJobs returns the array indices allocated to jobIDs under an
// annotation version, ascending.
func IndicesForJobs(ctx context.Context, q Querier, annotVersion string, jobIDs []string) ([]int, error) {
	var out []int
	for _, chunk := range chunkStrings(jobIDs, inChunkSize) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, annotVersion)
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := q.QueryContext(ctx,
			`SELECT array_index FROM finalized_outputs
			 WHERE annot_version = ? AND job_id IN (`+placeholders(len(chunk))+`)
			 ORDER BY array_index ASC`, args...)
		if err != nil {
			return nil, faults.Persistence("indices for jobs", err)
		}
		for rows.Next() {
			var idx int
			if err := rows.Scan(&idx); err != nil {
				_ = rows.Close()
				return nil, faults.Persistence("scan array index", err)
			}
			out = append(out, idx)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, faults.Persistence("indices for jobs", err)
		}
	}
	return out, nil
}

// CountOutputRecords counts the records of an annotation version, voided
// ones included.
func CountOutputRecords(ctx context.Context, q Querier, annotVersion string) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM finalized_outputs WHERE annot_version = ?`, annotVersion).Scan(&n); err != nil {
		return 0, faults.Persistence("count output records", err)
	}
	return n, nil
}

// FinalizedColumn is a live allocation of a Finalized job in a study.
type FinalizedColumn struct {
	SubjectID  string
	Pipeline   string
	JobID      string
	ArrayIndex int
}

// ListFinalizedColumns joins the records of an annotation version with the
// Finalized jobs of studyID, ordered by array_index.
func ListFinalizedColumns(ctx context.Context, q Querier, annotVersion, studyID string) ([]FinalizedColumn, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT fo.subject_id, j.pipeline, j.job_id, fo.array_index
		 FROM finalized_outputs fo
		 JOIN jobs j ON j.job_id = fo.job_id
		 WHERE fo.annot_version = ?
		   AND j.study_id = ?
		   AND j.status = ?
		 ORDER BY fo.array_index ASC`,
		annotVersion, studyID, int(jobstatus.Finalized))
	if err != nil {
		return nil, faults.Persistence("list finalized columns", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FinalizedColumn
	for rows.Next() {
		var c FinalizedColumn
		if err := rows.Scan(&c.SubjectID, &c.Pipeline, &c.JobID, &c.ArrayIndex); err != nil {
			return nil, faults.Persistence("scan finalized column", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Persistence("list finalized columns", err)
	}
	return out, nil
}
