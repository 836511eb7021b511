// Package cmd implements the genomatrix command line.
package cmd

import (
	"context"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/genomatrix/internal/config"
	"github.com/3leaps/genomatrix/internal/observability"
)

var (
	cfgFile  string
	logLevel string
	dbPath   string

	// appConfig is populated by the root PersistentPreRunE.
	appConfig *config.Config
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "genomatrix",
	Short: "Clinical genomic pipeline jobs and the shared gene value store",
	Long: `genomatrix runs genomic analysis pipelines, tracks their jobs, and
finalizes completed outputs into the shared gene x subject value store.

Finalized studies are consolidated into a per-study export (TSV, optionally
XLSX) on local disk or S3. Unfinalizing a study voids its columns and
regenerates the export.

Configuration is read from an optional YAML file (--config or
GENOMATRIX_CONFIG) and GENOMATRIX_* environment variables.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default: $GENOMATRIX_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Override the sqlite database path")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx, typically cancelled on
// SIGINT or SIGTERM.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func initApp(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if strings.TrimSpace(logLevel) != "" {
		overrides["logging.level"] = logLevel
	}
	if strings.TrimSpace(dbPath) != "" {
		overrides["store.path"] = dbPath
	}

	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFile(cmd.Context(), cfgFile, overrides)
	} else {
		cfg, err = config.Load(cmd.Context(), overrides)
	}
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	appConfig = cfg
	return nil
}
