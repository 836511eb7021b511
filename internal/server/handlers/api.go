package handlers

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/genomatrix/pkg/faults"
	"github.com/3leaps/genomatrix/pkg/genestore"
	"github.com/3leaps/genomatrix/pkg/jobstatus"
	"github.com/3leaps/genomatrix/pkg/pipeline"
)

// RunLookup returns the on-disk run record of a job.
type RunLookup interface {
	RunRecord(jobID string) (*pipeline.RunRecord, error)
}

// API serves read-only job and study lookups.
type API struct {
	store    *genestore.Store
	statuses *jobstatus.Registry
	runs     RunLookup
}

// NewAPI returns an API over store. runs may be nil.
func NewAPI(store *genestore.Store, statuses *jobstatus.Registry, runs RunLookup) *API {
	return &API{store: store, statuses: statuses, runs: runs}
}

// JobView is the JSON form of a job.
type JobView struct {
	JobID       string              `json:"job_id"`
	StudyID     string              `json:"study_id"`
	Owner       string              `json:"owner"`
	Pipeline    string              `json:"pipeline"`
	Status      int                 `json:"status"`
	StatusName  string              `json:"status_name"`
	SubmittedAt time.Time           `json:"submitted_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	OutputPath  string              `json:"output_path,omitempty"`
	ReportPath  string              `json:"report_path,omitempty"`
	Run         *pipeline.RunRecord `json:"run,omitempty"`
	Columns     []ColumnView        `json:"columns,omitempty"`
}

// ColumnView is one array_index allocated to a job.
type ColumnView struct {
	Index int   `json:"index"`
	Cells int64 `json:"cells"`
}

// AllocationView summarizes the allocations of an annotation version.
type AllocationView struct {
	TotalRecords  int64 `json:"total_records"`
	VoidedRecords int64 `json:"voided_records"`
	VoidedCells   int64 `json:"voided_cells"`
}

// StudyView is the JSON form of a study with its jobs.
type StudyView struct {
	StudyID      string    `json:"study_id"`
	GroupID      string    `json:"group_id"`
	AnnotVersion string    `json:"annotation_version"`
	Finalized    bool      `json:"finalized"`
	ExportPath   string    `json:"export_path,omitempty"`
	ReportPath   string    `json:"report_path,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	Jobs         []JobView `json:"jobs"`

	Allocations AllocationView `json:"allocations"`
}

// Routes mounts the API under r.
func (a *API) Routes(r chi.Router) {
	r.Get("/jobs/{jobID}", a.GetJob)
	r.Get("/studies/{studyID}", a.GetStudy)
}

func (a *API) view(ctx context.Context, j genestore.Job) JobView {
	v := JobView{
		JobID:       j.JobID,
		StudyID:     j.StudyID,
		Owner:       j.Owner,
		Pipeline:    j.Pipeline,
		Status:      int(j.Status),
		StatusName:  j.Status.String(),
		SubmittedAt: j.SubmittedAt,
		UpdatedAt:   j.UpdatedAt,
		OutputPath:  j.OutputPath,
		ReportPath:  j.ReportPath,
	}
	if a.statuses != nil {
		if name, ok := a.statuses.NameOf(ctx, j.Status); ok {
			v.StatusName = name
		}
	}
	return v
}

// GetJob serves GET /v1/jobs/{jobID}.
func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := genestore.GetJob(ctx, a.store, chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	v := a.view(ctx, *job)
	if v.Columns, err = a.columns(ctx, job); err != nil {
		respondWithError(w, r, err)
		return
	}
	if a.runs != nil {
		rec, err := a.runs.RunRecord(job.JobID)
		switch {
		case err == nil:
			v.Run = rec
		case errors.Is(err, faults.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		default:
			respondWithError(w, r, err)
			return
		}
	}
	WriteJSON(w, http.StatusOK, v)
}

// GetStudy serves GET /v1/studies/{studyID}.
func (a *API) GetStudy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	study, err := genestore.GetStudy(ctx, a.store, chi.URLParam(r, "studyID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	jobs, err := genestore.ListJobs(ctx, a.store, genestore.JobFilter{StudyID: study.StudyID})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	v := StudyView{
		StudyID:      study.StudyID,
		GroupID:      study.GroupID,
		AnnotVersion: study.AnnotVersion,
		Finalized:    study.Finalized,
		ExportPath:   study.ExportPath,
		ReportPath:   study.ReportPath,
		UpdatedAt:    study.UpdatedAt,
		Jobs:         make([]JobView, 0, len(jobs)),
	}
	for _, j := range jobs {
		v.Jobs = append(v.Jobs, a.view(ctx, j))
	}
	stats, err := genestore.GetVoidStats(ctx, a.store, study.AnnotVersion)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	v.Allocations = AllocationView{
		TotalRecords:  stats.TotalRecords,
		VoidedRecords: stats.VoidedRecords,
		VoidedCells:   stats.VoidedCells,
	}
	WriteJSON(w, http.StatusOK, v)
}

// columns lists the indices currently held by job with their cell counts.
func (a *API) columns(ctx context.Context, job *genestore.Job) ([]ColumnView, error) {
	study, err := genestore.GetStudy(ctx, a.store, job.StudyID)
	if err != nil {
		return nil, err
	}
	indices, err := genestore.IndicesForJobs(ctx, a.store, study.AnnotVersion, []string{job.JobID})
	if err != nil {
		return nil, err
	}
	out := make([]ColumnView, 0, len(indices))
	for _, idx := range indices {
		n, err := genestore.CountCells(ctx, a.store, study.AnnotVersion, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, ColumnView{Index: idx, Cells: n})
	}
	return out, nil
}

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// VersionHandler serves the build info.
func VersionHandler(info VersionInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}
