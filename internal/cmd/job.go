package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/genomatrix/internal/observability"
	"github.com/3leaps/genomatrix/pkg/faults"
	"github.com/3leaps/genomatrix/pkg/genestore"
	"github.com/3leaps/genomatrix/pkg/jobstatus"
	"github.com/3leaps/genomatrix/pkg/pipeline"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Run and inspect pipeline jobs",
}

var jobRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch a pipeline and wait for it to finish",
	Long: `Insert a Waiting job, launch the named pipeline and supervise it until
it exits. The job moves to InProgress once the process starts, then to
Completed (with its output path recorded) or Failed.

Pipelines are declared under pipeline.definitions in the config file.

Example:
  genomatrix job run --study STU-1 --owner alice --pipeline variant-caller \
    --input s3://bucket/sample.vcf --param depth=30`,
	Args: cobra.NoArgs,
	RunE: runJobRun,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs, oldest first. Runs whose supervising process disappeared
are reconciled to Failed before listing.`,
	Args: cobra.NoArgs,
	RunE: runJobList,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job and its run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var (
	jobStudy    string
	jobOwner    string
	jobPipeline string
	jobID       string
	jobInputs   []string
	jobParams   map[string]string

	jobListStudy  string
	jobListStatus string
	jobJSON       bool
)

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobRunCmd, jobListCmd, jobStatusCmd)

	jobRunCmd.Flags().StringVar(&jobStudy, "study", "", "Study id (required)")
	jobRunCmd.Flags().StringVar(&jobOwner, "owner", "", "Submitting user (required)")
	jobRunCmd.Flags().StringVarP(&jobPipeline, "pipeline", "p", "", "Pipeline name (required)")
	jobRunCmd.Flags().StringVar(&jobID, "job-id", "", "Explicit job id (default: generated)")
	jobRunCmd.Flags().StringSliceVarP(&jobInputs, "input", "i", nil, "Pipeline input (repeatable)")
	jobRunCmd.Flags().StringToStringVar(&jobParams, "param", nil, "Pipeline parameter key=value (repeatable)")
	_ = jobRunCmd.MarkFlagRequired("study")
	_ = jobRunCmd.MarkFlagRequired("owner")
	_ = jobRunCmd.MarkFlagRequired("pipeline")

	jobListCmd.Flags().StringVar(&jobListStudy, "study", "", "Only jobs of this study")
	jobListCmd.Flags().StringVar(&jobListStatus, "status", "", "Only jobs in this status (e.g. Completed)")
	jobListCmd.Flags().BoolVar(&jobJSON, "json", false, "Output as JSON")
	jobStatusCmd.Flags().BoolVar(&jobJSON, "json", false, "Output as JSON")
}

func runJobRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := openStore(ctx, appConfig)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Store unavailable", err)
	}
	defer func() { _ = st.Close() }()

	launcher, err := buildLauncher(st, appConfig)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pipeline configuration", err)
	}

	run, err := launcher.Launch(ctx, pipeline.Request{
		JobID:    jobID,
		StudyID:  jobStudy,
		Owner:    jobOwner,
		Pipeline: jobPipeline,
		Inputs:   jobInputs,
		Params:   jobParams,
	})
	if err != nil {
		observability.CLILogger.Error("Launch failed",
			zap.String("study_id", jobStudy),
			zap.String("pipeline", jobPipeline),
			zap.Error(err))
		return exitError(launchExitCode(err), "Launch failed", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "job %s started\n", run.JobID)

	status, err := run.Wait(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "Interrupted while waiting for job "+run.JobID, err)
	}
	launcher.Wait()

	_, _ = fmt.Fprintf(out, "job %s %s\n", run.JobID, status)
	if err != nil || status != jobstatus.Completed {
		if err == nil {
			err = fmt.Errorf("job ended %s", status)
		}
		return exitError(exitCodeFailure, "Pipeline failed", err)
	}
	return nil
}

func launchExitCode(err error) int {
	var le *pipeline.LaunchError
	switch {
	case errors.Is(err, pipeline.ErrUnknownPipeline):
		return foundry.ExitInvalidArgument
	case errors.As(err, &le):
		return exitCodeFailure
	default:
		return storeExitCode(err)
	}
}

func runJobList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	filter := genestore.JobFilter{StudyID: jobListStudy}
	if strings.TrimSpace(jobListStatus) != "" {
		s, err := jobstatus.Parse(jobListStatus)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
		filter.Status = s
	}

	st, err := openStore(ctx, appConfig)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Store unavailable", err)
	}
	defer func() { _ = st.Close() }()

	if launcher, err := buildLauncher(st, appConfig); err == nil {
		if failed, err := launcher.Reconcile(ctx); err != nil {
			observability.CLILogger.Warn("Reconcile failed", zap.Error(err))
		} else if len(failed) > 0 {
			observability.CLILogger.Info("Reconciled lost runs", zap.Strings("job_ids", failed))
		}
	}

	jobs, err := genestore.ListJobs(ctx, st, filter)
	if err != nil {
		return exitError(storeExitCode(err), "Failed to list jobs", err)
	}

	out := cmd.OutOrStdout()
	if jobJSON {
		return writeJSON(out, jobViews(ctx, jobstatus.NewRegistry(st), jobs))
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No jobs found")
		return nil
	}

	registry := jobstatus.NewRegistry(st)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tSTUDY\tPIPELINE\tOWNER\tSTATUS\tSUBMITTED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.JobID, j.StudyID, j.Pipeline, j.Owner,
			statusName(ctx, registry, j.Status),
			j.SubmittedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	st, err := openStore(ctx, appConfig)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Store unavailable", err)
	}
	defer func() { _ = st.Close() }()

	job, err := genestore.GetJob(ctx, st, id)
	if err != nil {
		return exitError(storeExitCode(err), "Job lookup failed", err)
	}

	var rec *pipeline.RunRecord
	if launcher, err := buildLauncher(st, appConfig); err == nil {
		rec, err = launcher.RunRecord(id)
		if err != nil && !faults.IsNotFound(err) {
			observability.CLILogger.Warn("Unreadable run record", zap.String("job_id", id), zap.Error(err))
		}
	}

	registry := jobstatus.NewRegistry(st)
	view := jobViews(ctx, registry, []genestore.Job{*job})[0]
	view.Run = rec

	out := cmd.OutOrStdout()
	if jobJSON {
		return writeJSON(out, view)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", view.JobID)
	_, _ = fmt.Fprintf(w, "Study:\t%s\n", view.StudyID)
	_, _ = fmt.Fprintf(w, "Pipeline:\t%s\n", view.Pipeline)
	_, _ = fmt.Fprintf(w, "Owner:\t%s\n", view.Owner)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", view.Status)
	_, _ = fmt.Fprintf(w, "Submitted:\t%s\n", view.SubmittedAt.Format(time.RFC3339))
	if view.OutputPath != "" {
		_, _ = fmt.Fprintf(w, "Output:\t%s\n", view.OutputPath)
	}
	if rec != nil {
		_, _ = fmt.Fprintf(w, "Run state:\t%s\n", rec.State)
		_, _ = fmt.Fprintf(w, "Log:\t%s\n", rec.LogPath)
		if rec.Error != "" {
			_, _ = fmt.Fprintf(w, "Error:\t%s\n", rec.Error)
		}
	}
	return w.Flush()
}

type jobView struct {
	JobID       string              `json:"job_id"`
	StudyID     string              `json:"study_id"`
	Pipeline    string              `json:"pipeline"`
	Owner       string              `json:"owner"`
	Status      string              `json:"status"`
	StatusCode  int                 `json:"status_code"`
	SubmittedAt time.Time           `json:"submitted_at"`
	OutputPath  string              `json:"output_path,omitempty"`
	Run         *pipeline.RunRecord `json:"run,omitempty"`
}

func jobViews(ctx context.Context, registry *jobstatus.Registry, jobs []genestore.Job) []jobView {
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			JobID:       j.JobID,
			StudyID:     j.StudyID,
			Pipeline:    j.Pipeline,
			Owner:       j.Owner,
			Status:      statusName(ctx, registry, j.Status),
			StatusCode:  int(j.Status),
			SubmittedAt: j.SubmittedAt,
			OutputPath:  j.OutputPath,
		})
	}
	return views
}

// statusName prefers the stored display name and falls back to the
// built-in one.
func statusName(ctx context.Context, registry *jobstatus.Registry, s jobstatus.Status) string {
	if name, ok := registry.NameOf(ctx, s); ok {
		return name
	}
	return s.String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
