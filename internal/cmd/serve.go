package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/genomatrix/internal/observability"
	"github.com/3leaps/genomatrix/internal/server"
	"github.com/3leaps/genomatrix/internal/server/handlers"
	"github.com/3leaps/genomatrix/pkg/genestore"
	"github.com/3leaps/genomatrix/pkg/jobstatus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health probes and read-only job lookups over HTTP",
	Long: `Start the ops HTTP server:

  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /v1/jobs/{jobID}
  GET /v1/studies/{studyID}

Lost pipeline runs are reconciled to Failed at startup.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override server.host")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server.port")
}

// storeHealthChecker pings the gene store.
type storeHealthChecker struct {
	store *genestore.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// workdirHealthChecker verifies the pipeline workdir is reachable.
type workdirHealthChecker struct {
	dir string
}

func (c workdirHealthChecker) CheckHealth(context.Context) error {
	info, err := os.Stat(c.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", c.dir)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig

	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		observability.CLILogger.Error("Failed to open store", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Store unavailable", err)
	}
	defer func() { _ = st.Close() }()

	launcher, err := buildLauncher(st, cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pipeline configuration", err)
	}
	if failed, err := launcher.Reconcile(ctx); err != nil {
		observability.CLILogger.Warn("Reconcile failed", zap.Error(err))
	} else if len(failed) > 0 {
		observability.CLILogger.Info("Reconciled lost runs", zap.Strings("job_ids", failed))
	}

	opts := []server.Option{
		server.WithLogger(observability.CLILogger),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithAPI(handlers.NewAPI(st, jobstatus.NewRegistry(st), launcher)),
	}
	if cfg.Health.Enabled {
		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("store", storeHealthChecker{store: st})
		hm.RegisterChecker("pipeline_workdir", workdirHealthChecker{dir: cfg.Pipeline.Workdir})
		opts = append(opts, server.WithHealthManager(hm))
	}

	srv := server.New(host, port, opts...)
	observability.CLILogger.Info("Starting server",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version))
	if err := srv.Start(ctx, cfg.Server.ShutdownTimeout); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}
