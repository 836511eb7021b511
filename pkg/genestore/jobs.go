package genestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/genomatrix/pkg/faults"
	"github.com/3leaps/genomatrix/pkg/jobstatus"
)

// Job is a unit of pipeline work.
type Job struct {
	JobID       string
	StudyID     string
	Owner       string
	Pipeline    string
	Status      jobstatus.Status
	SubmittedAt time.Time
	OutputPath  string
	ReportPath  string
	UpdatedAt   time.Time
}

// JobSpec describes a job to insert.
type JobSpec struct {
	// JobID is optional; a UUID is generated when empty.
	JobID    string
	StudyID  string
	Owner    string
	Pipeline string

	// SubmittedAt defaults to now.
	SubmittedAt time.Time
}

// InsertJob persists a new job in Waiting status and returns its id.
//
// Callers must not launch the pipeline when InsertJob fails.
func InsertJob(ctx context.Context, q Querier, spec JobSpec) (string, error) {
	if strings.TrimSpace(spec.StudyID) == "" || strings.TrimSpace(spec.Owner) == "" || strings.TrimSpace(spec.Pipeline) == "" {
		return "", fmt.Errorf("%w: study, owner and pipeline are required", faults.ErrInvalidRequest)
	}
	jobID := strings.TrimSpace(spec.JobID)
	if jobID == "" {
		jobID = uuid.New().String()
	}
	now := nowUTC()
	submitted := spec.SubmittedAt
	if submitted.IsZero() {
		submitted = now
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO jobs
		 (job_id, study_id, owner, pipeline, status, submitted_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobID, spec.StudyID, spec.Owner, spec.Pipeline, int(jobstatus.Waiting),
		formatTime(submitted), formatTime(now))
	if err != nil {
		return "", faults.Persistence("insert job", err)
	}
	return jobID, nil
}

const jobColumns = `job_id, study_id, owner, pipeline, status, submitted_at,
		        output_path, report_path, updated_at`

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var (
		j          Job
		status     int
		submitted  string
		updated    string
		outputPath sql.NullString
		reportPath sql.NullString
	)
	if err := scan(&j.JobID, &j.StudyID, &j.Owner, &j.Pipeline, &status, &submitted,
		&outputPath, &reportPath, &updated); err != nil {
		return nil, err
	}
	j.Status = jobstatus.Status(status)
	j.OutputPath = outputPath.String
	j.ReportPath = reportPath.String

	var err error
	if j.SubmittedAt, err = parseTime(submitted); err != nil {
		return nil, fmt.Errorf("parse submitted_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &j, nil
}

// GetJob retrieves a job by id.
func GetJob(ctx context.Context, q Querier, jobID string) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, faults.ErrNotFound)
	}
	if err != nil {
		return nil, faults.Persistence("get job", err)
	}
	return j, nil
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	StudyID string
	Status  jobstatus.Status
}

// ListJobs lists jobs ordered by submission time, oldest first.
func ListJobs(ctx context.Context, q Querier, filter JobFilter) ([]Job, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.StudyID != "" {
		clauses = append(clauses, "study_id = ?")
		args = append(args, filter.StudyID)
	}
	if filter.Status != 0 {
		clauses = append(clauses, "status = ?")
		args = append(args, int(filter.Status))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY submitted_at ASC, job_id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.Persistence("list jobs", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, faults.Persistence("scan job", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Persistence("list jobs", err)
	}
	return jobs, nil
}

// StatusConflictError reports a failed compare-and-swap on a job status.
type StatusConflictError struct {
	JobID    string
	Expected jobstatus.Status
	Actual   jobstatus.Status
}

// Error implements the error interface.
func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("job %s: expected status %s, found %s", e.JobID, e.Expected, e.Actual)
}

// Is matches faults.ErrStatusConflict.
func (e *StatusConflictError) Is(target error) bool {
	return target == faults.ErrStatusConflict
}

// TransitionJob moves a job from expected to next.
//
// The update is conditional on the current status: a job that moved
// concurrently is reported with a StatusConflictError and left untouched.
// Edges outside the job state machine are rejected before touching the
// database.
func TransitionJob(ctx context.Context, q Querier, jobID string, expected, next jobstatus.Status) error {
	if !jobstatus.CanTransition(expected, next) {
		return fmt.Errorf("job %s %s -> %s: %w", jobID, expected, next, faults.ErrIllegalTransition)
	}

	res, err := q.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		int(next), formatTime(nowUTC()), jobID, int(expected))
	if err != nil {
		return faults.Persistence("transition job", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return faults.Persistence("rows affected", err)
	}
	if affected == 1 {
		return nil
	}

	current, err := GetJob(ctx, q, jobID)
	if err != nil {
		return err
	}
	return &StatusConflictError{JobID: jobID, Expected: expected, Actual: current.Status}
}

// SetJobOutput records the pipeline output file of a job.
func SetJobOutput(ctx context.Context, q Querier, jobID, outputPath string) error {
	return updateJobColumn(ctx, q, "set job output", "output_path", jobID, outputPath)
}

// SetJobReport records the summary report generated for a job.
func SetJobReport(ctx context.Context, q Querier, jobID, reportPath string) error {
	return updateJobColumn(ctx, q, "set job report", "report_path", jobID, reportPath)
}

func updateJobColumn(ctx context.Context, q Querier, op, column, jobID, value string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE jobs SET `+column+` = ?, updated_at = ? WHERE job_id = ?`,
		value, formatTime(nowUTC()), jobID)
	if err != nil {
		return faults.Persistence(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %s: %w", jobID, faults.ErrNotFound)
	}
	return nil
}
