package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/genomatrix/internal/observability"
	"github.com/3leaps/genomatrix/pkg/manifest"
)

var seedCmd = &cobra.Command{
	Use:   "seed <manifest>",
	Short: "Load reference data from a seed manifest",
	Long: `Load annotation versions, gene symbols, studies and clinical subjects
from a YAML or JSON seed manifest. Seeding is idempotent: existing rows are
updated and a study's finalized flag is preserved.

Example:
  genomatrix seed reference.yaml
  genomatrix seed reference.yaml --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

var seedDryRun bool

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().BoolVar(&seedDryRun, "dry-run", false, "Validate the manifest without writing")
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]

	m, err := manifest.Load(path)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", path),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	out := cmd.OutOrStdout()
	if seedDryRun {
		_, _ = fmt.Fprintf(out, "manifest ok: %d annotation versions, %d studies, %d subjects\n",
			len(m.AnnotationVersions), len(m.Studies), len(m.Subjects))
		return nil
	}

	st, err := openStore(ctx, appConfig)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Store unavailable", err)
	}
	defer func() { _ = st.Close() }()

	sum, err := manifest.Apply(ctx, st, m)
	if err != nil {
		observability.CLILogger.Error("Seed failed", zap.String("path", path), zap.Error(err))
		return exitError(storeExitCode(err), "Seed failed", err)
	}

	observability.CLILogger.Info("Seed applied",
		zap.String("path", path),
		zap.Int("annotation_versions", sum.AnnotationVersions),
		zap.Int64("genes_inserted", sum.GenesInserted),
		zap.Int("studies", sum.Studies),
		zap.Int("subjects", sum.Subjects))
	_, _ = fmt.Fprintf(out, "seeded %d annotation versions (%d new genes), %d studies, %d subjects\n",
		sum.AnnotationVersions, sum.GenesInserted, sum.Studies, sum.Subjects)
	return nil
}
