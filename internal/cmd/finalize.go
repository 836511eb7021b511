package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/genomatrix/internal/observability"
	"github.com/3leaps/genomatrix/pkg/faults"
	"github.com/3leaps/genomatrix/pkg/finalize"
	"github.com/3leaps/genomatrix/pkg/taskqueue"
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Finalize completed jobs into the gene value store",
	Long: `Finalize Completed jobs of a study: allocate one column per subject,
write every gene value, mark the jobs Finalized and regenerate the study
export. Either every job is finalized or none is.

Example:
  genomatrix finalize --user alice --study STU-1 --job 3f2c... --job 8a1d...`,
	Args: cobra.NoArgs,
	RunE: runFinalize,
}

var unfinalizeCmd = &cobra.Command{
	Use:   "unfinalize",
	Short: "Void a study's finalized columns and reopen its jobs",
	Long: `Void every column written for the study's Finalized jobs, move those
jobs back to Completed and regenerate the study export. Column indices are
never reused.

Example:
  genomatrix unfinalize --user alice --study STU-1`,
	Args: cobra.NoArgs,
	RunE: runUnfinalize,
}

var (
	finalizeUser   string
	finalizeStudy  string
	finalizeJobIDs []string
)

func init() {
	rootCmd.AddCommand(finalizeCmd, unfinalizeCmd)

	for _, c := range []*cobra.Command{finalizeCmd, unfinalizeCmd} {
		c.Flags().StringVar(&finalizeUser, "user", "", "Requesting user (required)")
		c.Flags().StringVar(&finalizeStudy, "study", "", "Study id (required)")
		_ = c.MarkFlagRequired("user")
		_ = c.MarkFlagRequired("study")
	}
	finalizeCmd.Flags().StringSliceVarP(&finalizeJobIDs, "job", "j", nil, "Job id to finalize (repeatable, required)")
	_ = finalizeCmd.MarkFlagRequired("job")
}

func runFinalize(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := openStore(ctx, appConfig)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Store unavailable", err)
	}
	defer func() { _ = st.Close() }()

	set, err := buildCoordinator(ctx, st, appConfig)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid finalize configuration", err)
	}
	defer set.Close(context.Background())

	pending, err := set.coordinator.SubmitFinalize(ctx, finalize.Request{
		User:    finalizeUser,
		StudyID: finalizeStudy,
		JobIDs:  finalizeJobIDs,
	})
	if err != nil {
		return exitError(exitCodeFailure, "Finalization not queued", err)
	}
	out, err := pending.Wait(ctx)
	if err != nil {
		return exitError(finalizeExitCode(err), "Finalization failed", err)
	}

	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "finalized %d job(s) of study %s (%s)\n", len(out.Jobs), out.StudyID, out.AnnotVersion)
	for _, j := range out.Jobs {
		_, _ = fmt.Fprintf(w, "  %s %s: %d/%d genes stored, %d subjects found, %d not found\n",
			j.JobID, j.Pipeline, j.GenesStored, j.GenesAvailable, len(j.Found), len(j.NotFound))
	}
	if len(out.NotFound) > 0 {
		_, _ = fmt.Fprintf(w, "subjects not in clinical metadata: %s\n", strings.Join(out.NotFound, ", "))
	}
	for _, p := range out.ReportPaths {
		_, _ = fmt.Fprintf(w, "report: %s\n", p)
	}
	if out.ReportErr != nil {
		observability.CLILogger.Warn("Report not written", zap.Error(out.ReportErr))
	}
	return awaitExport(ctx, w, out.Export)
}

func runUnfinalize(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := openStore(ctx, appConfig)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Store unavailable", err)
	}
	defer func() { _ = st.Close() }()

	set, err := buildCoordinator(ctx, st, appConfig)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid finalize configuration", err)
	}
	defer set.Close(context.Background())

	pending, err := set.coordinator.SubmitUnfinalize(ctx, finalize.UnfinalizeRequest{
		User:    finalizeUser,
		StudyID: finalizeStudy,
	})
	if err != nil {
		return exitError(exitCodeFailure, "Unfinalization not queued", err)
	}
	out, err := pending.Wait(ctx)
	if err != nil {
		return exitError(finalizeExitCode(err), "Unfinalization failed", err)
	}

	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "unfinalized %d job(s) of study %s: %d columns voided\n",
		len(out.JobIDs), out.StudyID, len(out.Indices))
	return awaitExport(ctx, w, out.Export)
}

// awaitExport waits for the regenerated export. Export failures do not undo
// the committed operation, so they only produce a warning.
func awaitExport(ctx context.Context, w io.Writer, f *taskqueue.Future) error {
	if f == nil {
		return nil
	}
	if err := f.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Interrupted while exporting", err)
		}
		observability.CLILogger.Warn("Export regeneration failed", zap.Error(err))
		_, _ = fmt.Fprintf(w, "export failed: %v\n", err)
		return nil
	}
	_, _ = fmt.Fprintln(w, "export regenerated")
	return nil
}

func finalizeExitCode(err error) int {
	switch {
	case errors.Is(err, finalize.ErrNothingFinalized), faults.IsStatusConflict(err):
		return exitCodeFailure
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	default:
		return storeExitCode(err)
	}
}
