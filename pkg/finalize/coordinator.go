// Package finalize deposits completed pipeline outputs into the shared gene
// store and reverses those deposits.
//
// A finalization moves every selected job Completed -> Finalizing, reads
// each output file, then in one transaction holding the annotation version
// lock allocates one array_index per known subject and writes that
// subject's values. Jobs end Finalized on commit and Completed on any
// failure. Unfinalization voids the indices of a study's Finalized jobs
// without releasing them.
package finalize

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/genomatrix/pkg/directory"
	"github.com/3leaps/genomatrix/pkg/export"
	"github.com/3leaps/genomatrix/pkg/genestore"
	"github.com/3leaps/genomatrix/pkg/notify"
	"github.com/3leaps/genomatrix/pkg/report"
	"github.com/3leaps/genomatrix/pkg/taskqueue"
)

// ErrNothingFinalized is returned by Unfinalize when the study has no
// Finalized jobs.
var ErrNothingFinalized = errors.New("study has no finalized jobs")

// Exporter regenerates a study export.
type Exporter interface {
	Export(ctx context.Context, studyID string) (*export.Result, error)
}

// Coordinator runs finalizations and unfinalizations.
type Coordinator struct {
	store     *genestore.Store
	identity  directory.IdentityDirectory
	uploads   directory.UploadStore
	notifier  notify.Notifier
	renderers []report.Renderer
	reportDir string
	exporter  Exporter
	queue     *taskqueue.Queue
	log       *zap.Logger
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIdentityDirectory resolves the requesting user's group. Without one
// the study's group is used.
func WithIdentityDirectory(d directory.IdentityDirectory) Option {
	return func(c *Coordinator) { c.identity = d }
}

// WithUploads locates output files of jobs with no recorded output path.
func WithUploads(u directory.UploadStore) Option {
	return func(c *Coordinator) { c.uploads = u }
}

// WithNotifier sets where outcomes are sent.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithReports writes summary reports into dir with the given renderers.
// An empty dir disables reports.
func WithReports(dir string, renderers ...report.Renderer) Option {
	return func(c *Coordinator) {
		c.reportDir = dir
		if len(renderers) > 0 {
			c.renderers = renderers
		}
	}
}

// WithExporter regenerates the study export after each successful run.
func WithExporter(e Exporter) Option {
	return func(c *Coordinator) { c.exporter = e }
}

// WithQueue runs exports, and Submit* calls, on q.
func WithQueue(q *taskqueue.Queue) Option {
	return func(c *Coordinator) { c.queue = q }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a Coordinator over store.
func New(store *genestore.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		notifier:  notify.Nop{},
		renderers: []report.Renderer{report.TextRenderer{}},
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Pending is the handle of a submitted operation.
type Pending[T any] struct {
	future *taskqueue.Future
	result *T
}

// Wait blocks until the operation finishes and returns its result.
func (p *Pending[T]) Wait(ctx context.Context) (*T, error) {
	if err := p.future.Wait(ctx); err != nil {
		return p.result, err
	}
	return p.result, nil
}

// Done is closed when the operation has finished.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.future.Done()
}

// SubmitFinalize runs Finalize on the queue.
func (c *Coordinator) SubmitFinalize(ctx context.Context, req Request) (*Pending[Outcome], error) {
	if c.queue == nil {
		return nil, errors.New("finalize: no task queue configured")
	}
	p := &Pending[Outcome]{}
	f, err := c.queue.Submit(ctx, taskqueue.Task{
		Name: "finalize " + req.StudyID,
		Run: func(ctx context.Context) error {
			out, err := c.Finalize(ctx, req)
			p.result = out
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	p.future = f
	return p, nil
}

// SubmitUnfinalize runs Unfinalize on the queue.
func (c *Coordinator) SubmitUnfinalize(ctx context.Context, req UnfinalizeRequest) (*Pending[UnfinalizeOutcome], error) {
	if c.queue == nil {
		return nil, errors.New("unfinalize: no task queue configured")
	}
	p := &Pending[UnfinalizeOutcome]{}
	f, err := c.queue.Submit(ctx, taskqueue.Task{
		Name: "unfinalize " + req.StudyID,
		Run: func(ctx context.Context) error {
			out, err := c.Unfinalize(ctx, req)
			p.result = out
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	p.future = f
	return p, nil
}

// scheduleExport regenerates the study export, on the queue when one is
// configured and has room. It never waits for room: the caller may itself
// be running on a worker. The returned future is nil when no exporter is
// set.
func (c *Coordinator) scheduleExport(ctx context.Context, studyID string) *taskqueue.Future {
	if c.exporter == nil {
		return nil
	}
	run := func(ctx context.Context) error {
		res, err := c.exporter.Export(ctx, studyID)
		if err != nil {
			c.log.Error("export failed", zap.String("study_id", studyID), zap.Error(err))
			return err
		}
		c.log.Info("export regenerated", zap.String("study_id", studyID), zap.String("location", res.Location))
		return nil
	}
	if c.queue != nil {
		f, err := c.queue.TrySubmit(taskqueue.Task{Name: "export " + studyID, Run: run})
		if err == nil {
			return f
		}
		c.log.Warn("export not queued, running inline", zap.String("study_id", studyID), zap.Error(err))
	}
	return taskqueue.Completed(run(ctx))
}

func (c *Coordinator) send(ctx context.Context, r notify.Result) {
	r.At = c.now().UTC()
	if err := c.notifier.SendFinalizationResult(ctx, r); err != nil {
		c.log.Warn("notification failed", zap.String("study_id", r.StudyID), zap.String("kind", string(r.Kind)), zap.Error(err))
	}
}
