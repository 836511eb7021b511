package finalize

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/genomatrix/pkg/faults"
	"github.com/3leaps/genomatrix/pkg/genestore"
	"github.com/3leaps/genomatrix/pkg/jobstatus"
	"github.com/3leaps/genomatrix/pkg/notify"
	"github.com/3leaps/genomatrix/pkg/taskqueue"
)

// UnfinalizeRequest names the study to unfinalize.
type UnfinalizeRequest struct {
	User    string
	StudyID string
}

// UnfinalizeOutcome is the result of a successful unfinalization.
type UnfinalizeOutcome struct {
	StudyID      string
	AnnotVersion string
	JobIDs       []string
	Indices      []int
	VoidedCells  int64
	VoidedRows   int64

	// Export resolves when the export regeneration finishes. Nil when no
	// exporter is configured.
	Export *taskqueue.Future
}

// Unfinalize voids every column of the study's Finalized jobs and moves the
// jobs back to Completed, in one transaction. The indices stay allocated.
func (c *Coordinator) Unfinalize(ctx context.Context, req UnfinalizeRequest) (*UnfinalizeOutcome, error) {
	log := c.log.With(zap.String("study_id", req.StudyID), zap.String("user", req.User))

	out, err := c.unfinalize(ctx, req)
	if err != nil {
		log.Error("unfinalization failed", zap.String("code", faults.Code(err)), zap.Error(err))
		c.send(context.WithoutCancel(ctx), notify.Result{
			Kind:    notify.KindUnfinalize,
			StudyID: req.StudyID,
			User:    req.User,
			Code:    faults.Code(err),
			Reason:  err.Error(),
		})
		return nil, err
	}

	log.Info("unfinalization committed",
		zap.String("annot_version", out.AnnotVersion),
		zap.Strings("job_ids", out.JobIDs),
		zap.Ints("indices", out.Indices),
		zap.Int64("voided_cells", out.VoidedCells))

	out.Export = c.scheduleExport(ctx, out.StudyID)
	c.send(ctx, notify.Result{
		Kind:         notify.KindUnfinalize,
		StudyID:      out.StudyID,
		AnnotVersion: out.AnnotVersion,
		User:         req.User,
		JobIDs:       out.JobIDs,
		Success:      true,
		Indices:      len(out.Indices),
	})
	return out, nil
}

func (c *Coordinator) unfinalize(ctx context.Context, req UnfinalizeRequest) (*UnfinalizeOutcome, error) {
	if strings.TrimSpace(req.StudyID) == "" {
		return nil, fmt.Errorf("%w: study id is required", faults.ErrInvalidRequest)
	}
	study, err := genestore.GetStudy(ctx, c.store, req.StudyID)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req.User, study); err != nil {
		return nil, err
	}

	tx, err := c.store.BeginLocked(ctx, study.AnnotVersion)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	jobs, err := genestore.ListJobs(ctx, tx, genestore.JobFilter{StudyID: study.StudyID, Status: jobstatus.Finalized})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("study %s: %w", study.StudyID, ErrNothingFinalized)
	}

	out := &UnfinalizeOutcome{StudyID: study.StudyID, AnnotVersion: study.AnnotVersion}
	for _, j := range jobs {
		out.JobIDs = append(out.JobIDs, j.JobID)
	}

	if out.Indices, err = genestore.IndicesForJobs(ctx, tx, study.AnnotVersion, out.JobIDs); err != nil {
		return nil, err
	}
	if out.VoidedCells, err = genestore.VoidCells(ctx, tx, study.AnnotVersion, out.Indices); err != nil {
		return nil, err
	}
	if out.VoidedRows, err = genestore.VoidOutputRecords(ctx, tx, study.AnnotVersion, out.JobIDs); err != nil {
		return nil, err
	}
	for _, id := range out.JobIDs {
		if err := genestore.TransitionJob(ctx, tx, id, jobstatus.Finalized, jobstatus.Completed); err != nil {
			return nil, err
		}
	}
	if err := genestore.SetStudyFinalized(ctx, tx, study.StudyID, false); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}
