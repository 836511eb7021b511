package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/genomatrix/internal/config"
	"github.com/3leaps/genomatrix/internal/observability"
	"github.com/3leaps/genomatrix/pkg/directory"
	"github.com/3leaps/genomatrix/pkg/export"
	"github.com/3leaps/genomatrix/pkg/finalize"
	"github.com/3leaps/genomatrix/pkg/genestore"
	"github.com/3leaps/genomatrix/pkg/notify"
	"github.com/3leaps/genomatrix/pkg/pipeline"
	"github.com/3leaps/genomatrix/pkg/report"
	"github.com/3leaps/genomatrix/pkg/taskqueue"
)

// openStore opens the configured store and brings its schema up to date.
func openStore(ctx context.Context, cfg *config.Config) (*genestore.Store, error) {
	st, err := genestore.Open(ctx, genestore.Config{
		Driver:           cfg.Store.Driver,
		Path:             cfg.Store.Path,
		URL:              cfg.Store.URL,
		AuthToken:        cfg.Store.AuthToken,
		DSN:              cfg.Store.DSN,
		MaxConns:         cfg.Store.MaxConns,
		StatementTimeout: cfg.Store.StatementTimeout,
	}, genestore.WithLogger(observability.CLILogger))
	if err != nil {
		return nil, err
	}
	if err := genestore.Migrate(ctx, st); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func buildLauncher(st *genestore.Store, cfg *config.Config) (*pipeline.Launcher, error) {
	runs := pipeline.NewRunStore(cfg.Pipeline.Workdir)
	uploads, err := directory.NewLocalUploads(runs.RootDir(), cfg.Uploads.Includes, cfg.Uploads.Excludes)
	if err != nil {
		return nil, err
	}
	return pipeline.NewLauncher(st, runs,
		pipeline.WithUploads(uploads),
		pipeline.WithPipelines(cfg.Pipeline.Definitions...),
		pipeline.WithRateLimit(cfg.Pipeline.RateLimit, cfg.Pipeline.Burst),
		pipeline.WithTimeout(cfg.Pipeline.Timeout),
		pipeline.WithLogger(observability.CLILogger),
	)
}

func buildSink(ctx context.Context, cfg *config.Config) (export.Sink, error) {
	switch cfg.Export.Sink {
	case "s3":
		s3 := cfg.Export.S3
		return export.NewS3Sink(ctx, export.S3Config{
			Bucket:          s3.Bucket,
			Prefix:          s3.Prefix,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			Profile:         s3.Profile,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			ForcePathStyle:  s3.ForcePathStyle,
		})
	default:
		return export.LocalSink{Dir: cfg.Export.Dir}, nil
	}
}

func buildExporter(ctx context.Context, st *genestore.Store, cfg *config.Config) (*export.Exporter, error) {
	sink, err := buildSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return export.New(st, sink,
		export.WithXLSX(cfg.Export.XLSX),
		export.WithLogger(observability.CLILogger),
	), nil
}

// buildNotifier always logs results and also publishes them to redis when
// enabled. The returned func releases the redis connection.
func buildNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, func(), error) {
	notifiers := notify.Multi{notify.NewLogNotifier(observability.CLILogger)}
	cleanup := func() {}

	rc := cfg.Notify.Redis
	if rc.Enabled {
		rn, err := notify.NewRedisNotifier(ctx, notify.RedisConfig{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Channel:  rc.Channel,
		})
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, rn)
		cleanup = func() {
			if err := rn.Close(); err != nil {
				observability.CLILogger.Warn("Failed to close redis notifier", zap.Error(err))
			}
		}
	}
	return notifiers, cleanup, nil
}

// coordinatorSet is a Coordinator with the resources it owns.
type coordinatorSet struct {
	coordinator *finalize.Coordinator
	queue       *taskqueue.Queue
	cleanup     func()
}

// Close drains the worker queue and releases the notifier.
func (c *coordinatorSet) Close(ctx context.Context) {
	if err := c.queue.Shutdown(ctx); err != nil {
		observability.CLILogger.Warn("Worker queue did not drain", zap.Error(err))
	}
	c.cleanup()
}

func buildCoordinator(ctx context.Context, st *genestore.Store, cfg *config.Config) (*coordinatorSet, error) {
	exporter, err := buildExporter(ctx, st, cfg)
	if err != nil {
		return nil, fmt.Errorf("export sink: %w", err)
	}
	uploads, err := directory.NewLocalUploads(cfg.Pipeline.Workdir, cfg.Uploads.Includes, cfg.Uploads.Excludes)
	if err != nil {
		return nil, err
	}
	notifier, cleanup, err := buildNotifier(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}

	renderers := []report.Renderer{report.TextRenderer{}}
	if cfg.Finalize.PNGReport {
		renderers = append(renderers, report.PNGRenderer{FontPath: cfg.Finalize.FontPath})
	}

	queue := taskqueue.New(observability.CLILogger,
		taskqueue.WithWorkers(cfg.Workers),
		taskqueue.WithQueueSize(cfg.Finalize.QueueSize),
		taskqueue.WithTaskTimeout(cfg.Finalize.TaskTimeout),
	)

	opts := []finalize.Option{
		finalize.WithUploads(uploads),
		finalize.WithNotifier(notifier),
		finalize.WithReports(cfg.Finalize.ReportDir, renderers...),
		finalize.WithExporter(exporter),
		finalize.WithQueue(queue),
		finalize.WithLogger(observability.CLILogger),
	}
	// Without a user directory any user may finalize or unfinalize a study.
	if len(cfg.Identity.Users) > 0 {
		opts = append(opts, finalize.WithIdentityDirectory(directory.StaticDirectory(cfg.Identity.Users)))
	}

	c := finalize.New(st, opts...)
	return &coordinatorSet{coordinator: c, queue: queue, cleanup: cleanup}, nil
}
