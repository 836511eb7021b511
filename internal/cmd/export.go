package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/genomatrix/internal/observability"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Regenerate a study's consolidated export",
	Long: `Rebuild the consolidated export of a study from its Finalized jobs and
write it to the configured sink (export.sink: local or s3).

Example:
  genomatrix export --study STU-1`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var exportStudy string

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportStudy, "study", "", "Study id (required)")
	_ = exportCmd.MarkFlagRequired("study")
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	st, err := openStore(ctx, appConfig)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Store unavailable", err)
	}
	defer func() { _ = st.Close() }()

	exporter, err := buildExporter(ctx, st, appConfig)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Export sink unavailable", err)
	}

	res, err := exporter.Export(ctx, exportStudy)
	if err != nil {
		observability.CLILogger.Error("Export failed", zap.String("study_id", exportStudy), zap.Error(err))
		code := storeExitCode(err)
		if code == foundry.ExitFileReadError {
			code = foundry.ExitFileWriteError
		}
		return exitError(code, "Export failed", err)
	}

	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "exported %d rows x %d genes to %s\n", res.Rows, res.Genes, res.Location)
	if res.XLSXLocation != "" {
		_, _ = fmt.Fprintf(w, "xlsx: %s\n", res.XLSXLocation)
	}
	return nil
}
