// Package pipeline launches and supervises external pipeline processes.
//
// Each launch inserts a Waiting job, writes the run config, starts the
// process and moves the job to InProgress. A supervisor goroutine per run
// waits on the process and ends the job Completed (with its output path
// recorded) or Failed. Processes exceeding the timeout are killed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/genomatrix/pkg/directory"
	"github.com/3leaps/genomatrix/pkg/faults"
	"github.com/3leaps/genomatrix/pkg/genestore"
	"github.com/3leaps/genomatrix/pkg/jobstatus"
)

// DefaultTimeout bounds a single pipeline run.
const DefaultTimeout = 24 * time.Hour

// ErrUnknownPipeline is returned for a pipeline name with no definition.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Definition maps a pipeline name to an executable. Args may reference
// {job_id}, {study_id}, {config} and {output_dir}.
type Definition struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
}

// Request asks for one pipeline run.
type Request struct {
	// JobID is optional; a UUID is generated when empty.
	JobID    string
	StudyID  string
	Owner    string
	Pipeline string
	Inputs   []string
	Params   map[string]string
}

// LaunchError reports a failure after the job row was inserted. The job
// has been moved to Failed.
type LaunchError struct {
	JobID string
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch job %s: %v", e.JobID, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Run is a handle on a supervised process.
type Run struct {
	JobID string

	done   chan struct{}
	status jobstatus.Status
	err    error
}

// Done is closed once the job reached Completed or Failed.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx ends.
func (r *Run) Wait(ctx context.Context) (jobstatus.Status, error) {
	select {
	case <-r.done:
		return r.status, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Launcher starts pipelines and supervises them.
type Launcher struct {
	store     *genestore.Store
	runs      *RunStore
	runner    Runner
	configs   ConfigWriter
	uploads   directory.UploadStore
	pipelines map[string]Definition
	limiter   *rate.Limiter
	timeout   time.Duration
	log       *zap.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithRunner replaces the exec-based runner.
func WithRunner(r Runner) Option {
	return func(l *Launcher) {
		if r != nil {
			l.runner = r
		}
	}
}

// WithConfigWriter replaces the YAML config writer.
func WithConfigWriter(w ConfigWriter) Option {
	return func(l *Launcher) {
		if w != nil {
			l.configs = w
		}
	}
}

// WithUploads sets how a finished run's output file is located.
func WithUploads(u directory.UploadStore) Option {
	return func(l *Launcher) { l.uploads = u }
}

// WithPipelines registers pipeline definitions.
func WithPipelines(defs ...Definition) Option {
	return func(l *Launcher) {
		for _, d := range defs {
			l.pipelines[d.Name] = d
		}
	}
}

// WithRateLimit caps process launches per second. A non-positive rate
// disables throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(l *Launcher) {
		if perSecond <= 0 {
			l.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTimeout bounds each run. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Launcher) { l.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(l *Launcher) {
		if lg != nil {
			l.log = lg
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Launcher) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLauncher returns a Launcher whose run dirs live under runs.
func NewLauncher(store *genestore.Store, runs *RunStore, opts ...Option) (*Launcher, error) {
	if store == nil || runs == nil {
		return nil, fmt.Errorf("%w: store and run store are required", faults.ErrInvalidRequest)
	}
	l := &Launcher{
		store:     store,
		runs:      runs,
		runner:    ExecRunner{},
		configs:   YAMLConfigWriter{},
		pipelines: make(map[string]Definition),
		limiter:   rate.NewLimiter(rate.Inf, 1),
		timeout:   DefaultTimeout,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.uploads == nil {
		u, err := directory.NewLocalUploads(runs.RootDir(), nil, nil)
		if err != nil {
			return nil, err
		}
		l.uploads = u
	}
	return l, nil
}

// Pipelines returns the registered pipeline names, sorted.
func (l *Launcher) Pipelines() []string {
	names := make([]string, 0, len(l.pipelines))
	for n := range l.pipelines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Launch inserts the job and starts its pipeline. It returns once the
// process is running; completion is observed through the returned Run.
//
// When the job row cannot be inserted nothing is launched. Failures after
// the insert move the job to Failed and are returned as *LaunchError.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Run, error) {
	def, ok := l.pipelines[req.Pipeline]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, req.Pipeline)
	}
	study, err := genestore.GetStudy(ctx, l.store, req.StudyID)
	if err != nil {
		return nil, err
	}

	created := l.now().UTC()
	jobID, err := genestore.InsertJob(ctx, l.store, genestore.JobSpec{
		JobID:       req.JobID,
		StudyID:     req.StudyID,
		Owner:       req.Owner,
		Pipeline:    req.Pipeline,
		SubmittedAt: created,
	})
	if err != nil {
		return nil, err
	}

	log := l.log.With(zap.String("job_id", jobID), zap.String("pipeline", req.Pipeline))
	rec := &RunRecord{
		JobID:     jobID,
		StudyID:   req.StudyID,
		Pipeline:  req.Pipeline,
		Owner:     req.Owner,
		State:     RunStateStarting,
		LogPath:   l.runs.LogPath(jobID),
		CreatedAt: created,
	}
	runDir := l.runs.RunDir(jobID)

	fail := func(cause error) (*Run, error) {
		l.failLaunch(jobID, rec, cause, log)
		return nil, &LaunchError{JobID: jobID, Err: cause}
	}

	if err := l.runs.Write(rec); err != nil {
		return fail(err)
	}
	cfgPath, err := l.configs.Write(ctx, runDir, RunConfig{
		JobID:        jobID,
		StudyID:      req.StudyID,
		Pipeline:     req.Pipeline,
		Owner:        req.Owner,
		AnnotVersion: study.AnnotVersion,
		OutputDir:    runDir,
		Inputs:       req.Inputs,
		Params:       req.Params,
	})
	if err != nil {
		return fail(err)
	}
	rec.ConfigPath = cfgPath

	if err := l.limiter.Wait(ctx); err != nil {
		return fail(err)
	}

	cmd := Command{
		Path: def.Command,
		Args: expandArgs(def.Args, map[string]string{
			"job_id":     jobID,
			"study_id":   req.StudyID,
			"config":     cfgPath,
			"output_dir": runDir,
		}),
		Dir:     runDir,
		Env:     def.Env,
		LogPath: rec.LogPath,
	}
	rec.Command = cmd.Argv()

	proc, err := l.runner.Start(ctx, cmd)
	if err != nil {
		return fail(err)
	}

	if err := genestore.TransitionJob(ctx, l.store, jobID, jobstatus.Waiting, jobstatus.InProgress); err != nil {
		_ = proc.Kill()
		_, _ = proc.Wait()
		return fail(err)
	}

	started := l.now().UTC()
	rec.State = RunStateRunning
	rec.PID = proc.Pid()
	rec.StartedAt = &started
	if err := l.runs.Write(rec); err != nil {
		log.Warn("Failed to write run record", zap.Error(err))
	}
	log.Info("Pipeline started", zap.Int("pid", rec.PID), zap.String("config", cfgPath))

	run := &Run{JobID: jobID, done: make(chan struct{})}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.supervise(run, rec, proc, log)
	}()
	return run, nil
}

// Wait blocks until every supervised run has finished.
func (l *Launcher) Wait() {
	l.wg.Wait()
}

type exitResult struct {
	code int
	err  error
}

func (l *Launcher) supervise(run *Run, rec *RunRecord, proc Process, log *zap.Logger) {
	defer close(run.done)

	exited := make(chan exitResult, 1)
	go func() {
		code, err := proc.Wait()
		exited <- exitResult{code: code, err: err}
	}()

	var timeout <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		res      exitResult
		timedOut bool
	)
	select {
	case res = <-exited:
	case <-timeout:
		timedOut = true
		log.Warn("Pipeline timed out, killing", zap.Duration("timeout", l.timeout))
		if err := proc.Kill(); err != nil {
			log.Warn("Kill failed", zap.Error(err))
		}
		res = <-exited
	}

	// The request context is gone by now; job bookkeeping must still land.
	ctx := context.Background()
	ended := l.now().UTC()
	rec.EndedAt = &ended
	code := res.code
	rec.ExitCode = &code

	var cause error
	switch {
	case timedOut:
		rec.State = RunStateTimedOut
		cause = fmt.Errorf("pipeline exceeded timeout of %s", l.timeout)
	case res.err != nil:
		rec.State = RunStateFailed
		cause = res.err
	case res.code != 0:
		rec.State = RunStateFailed
		cause = fmt.Errorf("pipeline exited with code %d", res.code)
	default:
		output, err := l.uploads.Resolve(ctx, run.JobID)
		if err == nil {
			rec.OutputPath = output
			err = genestore.SetJobOutput(ctx, l.store, run.JobID, output)
		}
		if err == nil {
			err = genestore.TransitionJob(ctx, l.store, run.JobID, jobstatus.InProgress, jobstatus.Completed)
		}
		if err == nil {
			rec.State = RunStateSucceeded
			run.status = jobstatus.Completed
			l.writeRecord(rec, log)
			log.Info("Pipeline completed", zap.String("output", output))
			return
		}
		rec.State = RunStateFailed
		cause = err
	}

	rec.Error = cause.Error()
	run.status = jobstatus.Failed
	run.err = cause
	if err := genestore.TransitionJob(ctx, l.store, run.JobID, jobstatus.InProgress, jobstatus.Failed); err != nil {
		log.Error("Failed to mark job failed", zap.Error(err))
		run.err = errors.Join(cause, err)
	}
	l.writeRecord(rec, log)
	log.Warn("Pipeline failed", zap.Error(cause))
}

func (l *Launcher) failLaunch(jobID string, rec *RunRecord, cause error, log *zap.Logger) {
	ended := l.now().UTC()
	rec.State = RunStateFailed
	rec.Error = cause.Error()
	rec.EndedAt = &ended
	if err := genestore.TransitionJob(context.Background(), l.store, jobID, jobstatus.Waiting, jobstatus.Failed); err != nil {
		log.Error("Failed to mark job failed", zap.Error(err))
	}
	l.writeRecord(rec, log)
	log.Warn("Pipeline launch failed", zap.Error(cause))
}

func (l *Launcher) writeRecord(rec *RunRecord, log *zap.Logger) {
	if err := l.runs.Write(rec); err != nil {
		log.Warn("Failed to write run record", zap.Error(err))
	}
}

// Reconcile fails InProgress jobs whose run record shows the process was
// lost, as after a crash of the supervising process. It returns the ids of
// the jobs it failed.
func (l *Launcher) Reconcile(ctx context.Context) ([]string, error) {
	records, err := l.runs.List()
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, rec := range records {
		if rec.State != RunStateLost {
			continue
		}
		err := genestore.TransitionJob(ctx, l.store, rec.JobID, jobstatus.InProgress, jobstatus.Failed)
		switch {
		case err == nil:
			failed = append(failed, rec.JobID)
			l.log.Warn("Lost pipeline run marked failed", zap.String("job_id", rec.JobID))
		case faults.IsStatusConflict(err), faults.IsNotFound(err):
		default:
			return failed, err
		}
	}
	return failed, nil
}

// RunRecord returns the on-disk record of a job's run.
func (l *Launcher) RunRecord(jobID string) (*RunRecord, error) {
	rec, err := l.runs.Get(jobID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no run record for job %s", faults.ErrNotFound, strings.TrimSpace(jobID))
		}
		return nil, err
	}
	return rec, nil
}
