package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/genomatrix/pkg/faults"
	"github.com/3leaps/genomatrix/pkg/genestore"
	"github.com/3leaps/genomatrix/pkg/jobstatus"
	"github.com/3leaps/genomatrix/pkg/matrixfile"
	"github.com/3leaps/genomatrix/pkg/notify"
	"github.com/3leaps/genomatrix/pkg/report"
	"github.com/3leaps/genomatrix/pkg/taskqueue"
)

// Request selects the Completed jobs of a study to finalize. Jobs are
// processed in slice order.
type Request struct {
	User    string
	StudyID string
	JobIDs  []string
}

// JobOutcome summarizes one finalized job.
type JobOutcome struct {
	JobID       string
	Pipeline    string
	Owner       string
	SubmittedAt time.Time
	OutputPath  string

	// GenesAvailable counts gene lines in the output file; GenesStored
	// counts those matching a known gene row.
	GenesAvailable int
	GenesStored    int
	CellsWritten   int

	Found    []string
	NotFound []string
	Indices  []int
}

// Outcome is the result of a successful finalization.
type Outcome struct {
	StudyID      string
	AnnotVersion string
	GroupID      string
	Jobs         []JobOutcome

	// Found and NotFound list subjects in processing order.
	Found    []string
	NotFound []string
	Indices  []int

	ReportPaths []string
	// ReportErr is set when the commit succeeded but the report could not
	// be written.
	ReportErr error

	// Export resolves when the export regeneration finishes. Nil when no
	// exporter is configured.
	Export *taskqueue.Future
}

// FoundBatches returns Found in report batches.
func (o *Outcome) FoundBatches() [][]string { return report.Batch(o.Found, report.BatchSize) }

// NotFoundBatches returns NotFound in report batches.
func (o *Outcome) NotFoundBatches() [][]string {
	return report.Batch(o.NotFound, report.BatchSize)
}

// openJob pairs a Finalizing job with its opened output file.
type openJob struct {
	job    *genestore.Job
	reader *matrixfile.Reader
}

// Finalize deposits the outputs of req.JobIDs into the gene store.
//
// Either every job ends Finalized with all its columns written, or every
// job ends Completed and nothing was written. The requester is notified
// either way.
func (c *Coordinator) Finalize(ctx context.Context, req Request) (*Outcome, error) {
	log := c.log.With(zap.String("study_id", req.StudyID), zap.String("user", req.User))

	out, err := c.finalize(ctx, req, log)
	if err != nil {
		log.Error("finalization failed", zap.Strings("job_ids", req.JobIDs), zap.String("code", faults.Code(err)), zap.Error(err))
		c.send(context.WithoutCancel(ctx), notify.Result{
			Kind:    notify.KindFinalize,
			StudyID: req.StudyID,
			User:    req.User,
			JobIDs:  req.JobIDs,
			Code:    faults.Code(err),
			Reason:  err.Error(),
		})
		return nil, err
	}

	res := notify.Result{
		Kind:         notify.KindFinalize,
		StudyID:      out.StudyID,
		AnnotVersion: out.AnnotVersion,
		User:         req.User,
		JobIDs:       req.JobIDs,
		Success:      true,
		Found:        len(out.Found),
		NotFound:     len(out.NotFound),
		Indices:      len(out.Indices),
	}
	if len(out.ReportPaths) > 0 {
		res.ReportPath = out.ReportPaths[0]
	}
	if out.ReportErr != nil {
		res.Code = faults.Code(out.ReportErr)
		res.Reason = out.ReportErr.Error()
	}
	c.send(ctx, res)
	return out, nil
}

func (c *Coordinator) finalize(ctx context.Context, req Request, log *zap.Logger) (*Outcome, error) {
	study, jobs, err := c.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := c.authorize(ctx, req.User, study); err != nil {
		return nil, err
	}

	flipped, err := c.markFinalizing(ctx, jobs)
	if err != nil {
		c.revert(ctx, flipped, jobstatus.Finalizing, log)
		return nil, err
	}

	opened, err := c.openOutputs(ctx, jobs)
	defer closeAll(opened)
	if err != nil {
		c.revert(ctx, flipped, jobstatus.Finalizing, log)
		return nil, err
	}

	out, err := c.deposit(ctx, study, opened, log)
	if err != nil {
		c.revert(ctx, flipped, jobstatus.Finalizing, log)
		return nil, err
	}

	log.Info("finalization committed",
		zap.String("annot_version", study.AnnotVersion),
		zap.Int("jobs", len(out.Jobs)),
		zap.Int("found", len(out.Found)),
		zap.Int("not_found", len(out.NotFound)),
		zap.Ints("indices", out.Indices))

	c.writeReport(ctx, req.User, out, log)
	out.Export = c.scheduleExport(ctx, study.StudyID)
	return out, nil
}

// validate checks the request against the current job and study state.
func (c *Coordinator) validate(ctx context.Context, req Request) (*genestore.Study, []*genestore.Job, error) {
	if strings.TrimSpace(req.StudyID) == "" {
		return nil, nil, fmt.Errorf("%w: study id is required", faults.ErrInvalidRequest)
	}
	if len(req.JobIDs) == 0 {
		return nil, nil, fmt.Errorf("%w: no jobs selected", faults.ErrInvalidRequest)
	}

	study, err := genestore.GetStudy(ctx, c.store, req.StudyID)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]struct{}, len(req.JobIDs))
	jobs := make([]*genestore.Job, 0, len(req.JobIDs))
	for _, id := range req.JobIDs {
		if _, dup := seen[id]; dup {
			return nil, nil, fmt.Errorf("%w: job %s selected twice", faults.ErrInvalidRequest, id)
		}
		seen[id] = struct{}{}

		job, err := genestore.GetJob(ctx, c.store, id)
		if err != nil {
			return nil, nil, err
		}
		if job.StudyID != study.StudyID {
			return nil, nil, fmt.Errorf("%w: job %s belongs to study %s", faults.ErrInvalidRequest, id, job.StudyID)
		}
		if job.Status != jobstatus.Completed {
			return nil, nil, &genestore.StatusConflictError{JobID: id, Expected: jobstatus.Completed, Actual: job.Status}
		}
		jobs = append(jobs, job)
	}
	return study, jobs, nil
}

// authorize checks that the user belongs to the study's group. Without an
// identity directory every user is accepted.
func (c *Coordinator) authorize(ctx context.Context, user string, study *genestore.Study) error {
	if c.identity == nil {
		return nil
	}
	group, err := c.identity.GroupOf(ctx, user)
	if err != nil {
		return fmt.Errorf("%w: %w", faults.ErrInvalidRequest, err)
	}
	if group != study.GroupID {
		return fmt.Errorf("%w: user %s is in group %s, study %s belongs to %s",
			faults.ErrInvalidRequest, user, group, study.StudyID, study.GroupID)
	}
	return nil
}

// markFinalizing flips every job Completed -> Finalizing and returns the
// ids it flipped, including on failure.
func (c *Coordinator) markFinalizing(ctx context.Context, jobs []*genestore.Job) ([]string, error) {
	flipped := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if err := genestore.TransitionJob(ctx, c.store, j.JobID, jobstatus.Completed, jobstatus.Finalizing); err != nil {
			return flipped, err
		}
		flipped = append(flipped, j.JobID)
	}
	return flipped, nil
}

// revert moves jobs from -> Completed. It runs even when ctx is already
// cancelled. Failures are logged: a job that cannot be reverted here was
// moved by someone else.
func (c *Coordinator) revert(ctx context.Context, jobIDs []string, from jobstatus.Status, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range jobIDs {
		if err := genestore.TransitionJob(ctx, c.store, id, from, jobstatus.Completed); err != nil {
			log.Error("job status revert failed", zap.String("job_id", id), zap.Error(err))
		}
	}
}

// openOutputs opens every output file and reads its header before any
// transaction starts.
func (c *Coordinator) openOutputs(ctx context.Context, jobs []*genestore.Job) ([]openJob, error) {
	opened := make([]openJob, 0, len(jobs))
	for _, j := range jobs {
		path := j.OutputPath
		if path == "" {
			if c.uploads == nil {
				return opened, &faults.IOFailure{Op: "resolve", Path: j.JobID, Err: errors.New("no output path recorded")}
			}
			var err error
			if path, err = c.uploads.Resolve(ctx, j.JobID); err != nil {
				return opened, err
			}
		}
		r, err := matrixfile.Open(path)
		if err != nil {
			return opened, err
		}
		opened = append(opened, openJob{job: j, reader: r})
	}
	return opened, nil
}

func closeAll(opened []openJob) {
	for _, o := range opened {
		_ = o.reader.Close()
	}
}

// deposit runs the locked transaction. Nothing is visible unless it
// returns nil.
func (c *Coordinator) deposit(ctx context.Context, study *genestore.Study, opened []openJob, log *zap.Logger) (*Outcome, error) {
	tx, err := c.store.BeginLocked(ctx, study.AnnotVersion)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	genes, err := genestore.GeneSet(ctx, tx, study.AnnotVersion)
	if err != nil {
		return nil, err
	}

	out := &Outcome{StudyID: study.StudyID, AnnotVersion: study.AnnotVersion, GroupID: study.GroupID}
	for _, o := range opened {
		jo, err := depositJob(ctx, tx, study.AnnotVersion, study.GroupID, genes, o)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", o.job.JobID, err)
		}
		log.Debug("job deposited",
			zap.String("job_id", jo.JobID),
			zap.Int("found", len(jo.Found)),
			zap.Int("not_found", len(jo.NotFound)),
			zap.Int("genes_stored", jo.GenesStored),
			zap.Int("cells", jo.CellsWritten))

		out.Jobs = append(out.Jobs, jo)
		out.Found = append(out.Found, jo.Found...)
		out.NotFound = append(out.NotFound, jo.NotFound...)
		out.Indices = append(out.Indices, jo.Indices...)
	}

	for _, o := range opened {
		if err := genestore.TransitionJob(ctx, tx, o.job.JobID, jobstatus.Finalizing, jobstatus.Finalized); err != nil {
			return nil, err
		}
	}
	if err := genestore.SetStudyFinalized(ctx, tx, study.StudyID, true); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// depositJob allocates the subject columns of one file and writes its
// values. Unknown subjects get no column; unknown genes are skipped.
func depositJob(ctx context.Context, tx *genestore.Tx, annot, group string, genes map[string]struct{}, o openJob) (JobOutcome, error) {
	jo := JobOutcome{
		JobID:       o.job.JobID,
		Pipeline:    o.job.Pipeline,
		Owner:       o.job.Owner,
		SubmittedAt: o.job.SubmittedAt,
		OutputPath:  o.reader.Path(),
	}

	subjects := o.reader.Header().Subjects
	// columns[i] is the index of subject column i, or -1 when invalid.
	columns := make([]int, len(subjects))
	for i, subj := range subjects {
		columns[i] = -1
		subj = strings.TrimSpace(subj)
		ok, err := genestore.SubjectExists(ctx, tx, subj, group)
		if err != nil {
			return jo, err
		}
		if !ok {
			jo.NotFound = append(jo.NotFound, subj)
			continue
		}
		idx, err := genestore.AllocateColumn(ctx, tx, o.job.JobID, subj, group)
		if err != nil {
			return jo, err
		}
		columns[i] = idx
		jo.Found = append(jo.Found, subj)
		jo.Indices = append(jo.Indices, idx)
	}

	for {
		row, err := o.reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return jo, err
		}
		jo.GenesAvailable++
		if _, ok := genes[row.Gene]; !ok {
			continue
		}
		jo.GenesStored++
		for i, idx := range columns {
			if idx < 0 || i >= len(row.Values) {
				continue
			}
			if err := genestore.SetCell(ctx, tx, annot, row.Gene, idx, row.Values[i]); err != nil {
				return jo, fmt.Errorf("line %d: %w", row.Line, err)
			}
			jo.CellsWritten++
		}
	}
	return jo, nil
}

// writeReport renders the summary and records its path. Failures leave
// the committed finalization in place and are carried in the Outcome.
func (c *Coordinator) writeReport(ctx context.Context, author string, out *Outcome, log *zap.Logger) {
	if c.reportDir == "" || len(c.renderers) == 0 {
		return
	}
	rep := report.Report{
		StudyID:      out.StudyID,
		AnnotVersion: out.AnnotVersion,
		Author:       author,
		GeneratedAt:  c.now().UTC(),
		Found:        out.FoundBatches(),
		NotFound:     out.NotFoundBatches(),
	}
	for _, j := range out.Jobs {
		rep.Jobs = append(rep.Jobs, report.JobEntry{
			JobID:          j.JobID,
			Pipeline:       j.Pipeline,
			Submitter:      j.Owner,
			SubmittedAt:    j.SubmittedAt,
			GenesAvailable: j.GenesAvailable,
			GenesStored:    j.GenesStored,
		})
	}

	paths, err := report.WriteFiles(ctx, c.reportDir, rep, c.renderers...)
	out.ReportPaths = paths
	if err != nil {
		out.ReportErr = err
		log.Error("report generation failed", zap.Error(err))
		return
	}
	if len(paths) == 0 {
		return
	}
	if err := genestore.SetStudyReportPath(ctx, c.store, out.StudyID, paths[0]); err != nil {
		out.ReportErr = err
		log.Error("record report path failed", zap.Error(err))
		return
	}
	for _, j := range out.Jobs {
		if err := genestore.SetJobReport(ctx, c.store, j.JobID, paths[0]); err != nil {
			out.ReportErr = err
			log.Error("record job report path failed", zap.String("job_id", j.JobID), zap.Error(err))
		}
	}
}
