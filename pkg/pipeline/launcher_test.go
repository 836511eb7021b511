package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/genomatrix/pkg/directory"
	"github.com/3leaps/genomatrix/pkg/faults"
	"github.com/3leaps/genomatrix/pkg/genestore"
	"github.com/3leaps/genomatrix/pkg/jobstatus"
)

type fakeProcess struct {
	exit   chan int
	killed chan struct{}
	once   sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan int, 1), killed: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return os.Getpid() }

func (p *fakeProcess) Wait() (int, error) {
	select {
	case code := <-p.exit:
		return code, nil
	case <-p.killed:
		return -1, nil
	}
}

func (p *fakeProcess) Kill() error {
	p.once.Do(func() { close(p.killed) })
	return nil
}

type fakeRunner struct {
	mu       sync.Mutex
	started  []Command
	procs    []*fakeProcess
	startErr error
	onStart  func(Command)
}

func (r *fakeRunner) Start(_ context.Context, c Command) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	if r.onStart != nil {
		r.onStart(c)
	}
	p := newFakeProcess()
	r.started = append(r.started, c)
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRunner) proc(t *testing.T, i int) *fakeProcess {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Greater(t, len(r.procs), i)
	return r.procs[i]
}

func writesOutput(c Command) {
	_ = os.WriteFile(filepath.Join(c.Dir, "output.tsv"), []byte("gene\tensembl\tS1\nTP53\t-\t1.0\n"), 0o644)
}

func newTestStore(t *testing.T) *genestore.Store {
	t.Helper()
	ctx := context.Background()
	s, err := genestore.Open(ctx, genestore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, genestore.Migrate(ctx, s))
	require.NoError(t, genestore.UpsertAnnotationVersion(ctx, s, "hg19", ""))
	require.NoError(t, genestore.UpsertStudy(ctx, s, "STU-A", "G1", "hg19"))
	return s
}

var variantCaller = Definition{
	Name:    "variant-caller",
	Command: "/opt/pipelines/vc",
	Args:    []string{"--config", "{config}", "--out", "{output_dir}", "--job", "{job_id}"},
}

func newTestLauncher(t *testing.T, s *genestore.Store, runner Runner, opts ...Option) (*Launcher, string) {
	t.Helper()
	root := t.TempDir()
	all := append([]Option{WithRunner(runner), WithPipelines(variantCaller)}, opts...)
	l, err := NewLauncher(s, NewRunStore(root), all...)
	require.NoError(t, err)
	t.Cleanup(l.Wait)
	return l, root
}

func waitRun(t *testing.T, run *Run) (jobstatus.Status, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := run.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return status, err
}

func request() Request {
	return Request{
		StudyID:  "STU-A",
		Owner:    "alice",
		Pipeline: "variant-caller",
		Inputs:   []string{"/uploads/sample.vcf"},
		Params:   map[string]string{"min_depth": "10"},
	}
}

func TestLaunch_CompletesAndRecordsOutput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	runner := &fakeRunner{onStart: writesOutput}
	l, root := newTestLauncher(t, s, runner)

	run, err := l.Launch(ctx, request())
	require.NoError(t, err)

	job, err := genestore.GetJob(ctx, s, run.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.InProgress, job.Status)

	runDir := filepath.Join(root, run.JobID)
	cmd := runner.started[0]
	assert.Equal(t, runDir, cmd.Dir)
	assert.Equal(t, []string{
		"--config", filepath.Join(runDir, ConfigFileName),
		"--out", runDir,
		"--job", run.JobID,
	}, cmd.Args)

	cfg, err := os.ReadFile(filepath.Join(runDir, ConfigFileName))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "annotation_version: hg19")
	assert.Contains(t, string(cfg), "min_depth: \"10\"")

	runner.proc(t, 0).exit <- 0
	status, err := waitRun(t, run)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.Completed, status)

	job, err = genestore.GetJob(ctx, s, run.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.Completed, job.Status)
	assert.Equal(t, filepath.Join(runDir, "output.tsv"), job.OutputPath)

	rec, err := l.RunRecord(run.JobID)
	require.NoError(t, err)
	assert.Equal(t, RunStateSucceeded, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.Equal(t, job.OutputPath, rec.OutputPath)
	assert.Equal(t, "/opt/pipelines/vc", rec.Command[0])
}

func TestLaunch_NonZeroExitFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	runner := &fakeRunner{onStart: writesOutput}
	l, _ := newTestLauncher(t, s, runner)

	run, err := l.Launch(ctx, request())
	require.NoError(t, err)
	runner.proc(t, 0).exit <- 3

	status, err := waitRun(t, run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
	assert.Equal(t, jobstatus.Failed, status)

	job, err := genestore.GetJob(ctx, s, run.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.Failed, job.Status)
	assert.Empty(t, job.OutputPath)

	rec, err := l.RunRecord(run.JobID)
	require.NoError(t, err)
	assert.Equal(t, RunStateFailed, rec.State)
	assert.Equal(t, 3, *rec.ExitCode)
}

func TestLaunch_MissingOutputFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	runner := &fakeRunner{}
	l, _ := newTestLauncher(t, s, runner)

	run, err := l.Launch(ctx, request())
	require.NoError(t, err)
	runner.proc(t, 0).exit <- 0

	status, err := waitRun(t, run)
	assert.ErrorIs(t, err, directory.ErrNoOutput)
	assert.Equal(t, jobstatus.Failed, status)

	job, err := genestore.GetJob(ctx, s, run.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.Failed, job.Status)
}

func TestLaunch_TimeoutKillsProcess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	runner := &fakeRunner{onStart: writesOutput}
	l, _ := newTestLauncher(t, s, runner, WithTimeout(20*time.Millisecond))

	run, err := l.Launch(ctx, request())
	require.NoError(t, err)

	status, err := waitRun(t, run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Equal(t, jobstatus.Failed, status)

	select {
	case <-runner.proc(t, 0).killed:
	default:
		t.Fatal("process was not killed")
	}

	rec, err := l.RunRecord(run.JobID)
	require.NoError(t, err)
	assert.Equal(t, RunStateTimedOut, rec.State)

	job, err := genestore.GetJob(ctx, s, run.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.Failed, job.Status)
}

func TestLaunch_StartErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("exec format error")
	l, _ := newTestLauncher(t, s, &fakeRunner{startErr: boom})

	run, err := l.Launch(ctx, request())
	require.Error(t, err)
	assert.Nil(t, run)
	assert.ErrorIs(t, err, boom)

	var le *LaunchError
	require.ErrorAs(t, err, &le)
	job, err := genestore.GetJob(ctx, s, le.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.Failed, job.Status)

	rec, err := l.RunRecord(le.JobID)
	require.NoError(t, err)
	assert.Equal(t, RunStateFailed, rec.State)
	assert.Equal(t, "exec format error", rec.Error)
}

func TestLaunch_RejectedBeforeInsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	runner := &fakeRunner{}
	l, _ := newTestLauncher(t, s, runner)

	tests := []struct {
		name    string
		mutate  func(*Request)
		wantErr error
	}{
		{"unknown pipeline", func(r *Request) { r.Pipeline = "nope" }, ErrUnknownPipeline},
		{"unknown study", func(r *Request) { r.StudyID = "STU-X" }, faults.ErrNotFound},
		{"missing owner", func(r *Request) { r.Owner = "" }, faults.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request()
			tt.mutate(&req)
			_, err := l.Launch(ctx, req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	jobs, err := genestore.ListJobs(ctx, s, genestore.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, runner.started)
}

func TestLaunch_RateLimitHonorsContext(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{onStart: writesOutput}
	l, _ := newTestLauncher(t, s, runner, WithRateLimit(0.001, 1))

	run, err := l.Launch(context.Background(), request())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Launch(ctx, request())
	var le *LaunchError
	require.ErrorAs(t, err, &le)

	job, err := genestore.GetJob(context.Background(), s, le.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.Failed, job.Status)
	assert.Len(t, runner.started, 1)

	runner.proc(t, 0).exit <- 0
	status, err := waitRun(t, run)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.Completed, status)
}

func TestReconcile_FailsLostRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	l, _ := newTestLauncher(t, s, &fakeRunner{})

	lost, err := genestore.InsertJob(ctx, s, genestore.JobSpec{StudyID: "STU-A", Owner: "alice", Pipeline: "variant-caller"})
	require.NoError(t, err)
	require.NoError(t, genestore.TransitionJob(ctx, s, lost, jobstatus.Waiting, jobstatus.InProgress))
	require.NoError(t, l.runs.Write(&RunRecord{JobID: lost, State: RunStateLost, CreatedAt: time.Now()}))

	done, err := genestore.InsertJob(ctx, s, genestore.JobSpec{StudyID: "STU-A", Owner: "alice", Pipeline: "variant-caller"})
	require.NoError(t, err)
	require.NoError(t, l.runs.Write(&RunRecord{JobID: done, State: RunStateSucceeded, CreatedAt: time.Now()}))

	failed, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{lost}, failed)

	job, err := genestore.GetJob(ctx, s, lost)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.Failed, job.Status)

	again, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestLaunch_ExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	ctx := context.Background()
	s := newTestStore(t)
	root := t.TempDir()
	l, err := NewLauncher(s, NewRunStore(root), WithPipelines(Definition{
		Name:    "shell",
		Command: "/bin/sh",
		Args: []string{"-c",
			`echo "running $1"; echo oops >&2; printf 'gene\tensembl\tS1\n' > output.tsv`,
			"sh", "{job_id}"},
	}))
	require.NoError(t, err)

	req := request()
	req.Pipeline = "shell"
	run, err := l.Launch(ctx, req)
	require.NoError(t, err)

	status, err := waitRun(t, run)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.Completed, status)

	logData, err := os.ReadFile(filepath.Join(root, run.JobID, "pipeline.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(logData), "running "+run.JobID))
	assert.Contains(t, string(logData), "oops")
}

func TestPipelines_Sorted(t *testing.T) {
	s := newTestStore(t)
	l, _ := newTestLauncher(t, s, &fakeRunner{}, WithPipelines(Definition{Name: "a-first"}))
	assert.Equal(t, []string{"a-first", "variant-caller"}, l.Pipelines())
}
