package finalize

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/genomatrix/pkg/genestore"
	"github.com/3leaps/genomatrix/pkg/jobstatus"
	"github.com/3leaps/genomatrix/pkg/notify"
)

type recordingNotifier struct {
	mu      sync.Mutex
	results []notify.Result
}

func (r *recordingNotifier) SendFinalizationResult(_ context.Context, res notify.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *recordingNotifier) last(t *testing.T) notify.Result {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.results)
	return r.results[len(r.results)-1]
}

func newTestStore(t *testing.T) *genestore.Store {
	t.Helper()
	ctx := context.Background()
	s, err := genestore.Open(ctx, genestore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, genestore.Migrate(ctx, s))
	return s
}

func seedStudy(t *testing.T, s *genestore.Store, studyID, group, annot string, genes []string, subjects ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, genestore.UpsertAnnotationVersion(ctx, s, annot, ""))
	require.NoError(t, genestore.UpsertStudy(ctx, s, studyID, group, annot))
	_, err := genestore.UpsertGeneSymbols(ctx, s, annot, genes)
	require.NoError(t, err)
	for _, subj := range subjects {
		require.NoError(t, genestore.UpsertSubject(ctx, s, genestore.Subject{SubjectID: subj, GroupID: group}))
	}
}

// writeOutput writes a pipeline output file. rows are gene lines without
// the secondary column.
func writeOutput(t *testing.T, dir, name string, subjects []string, rows ...[]string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("gene\tensembl")
	for _, s := range subjects {
		b.WriteString("\t" + s)
	}
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(r[0] + "\t-")
		for _, v := range r[1:] {
			b.WriteString("\t" + v)
		}
		b.WriteString("\n")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

// completedJob inserts a job, walks it to Completed and records outputPath.
func completedJob(t *testing.T, s *genestore.Store, id, study, pipeline, outputPath string) {
	t.Helper()
	ctx := context.Background()
	_, err := genestore.InsertJob(ctx, s, genestore.JobSpec{JobID: id, StudyID: study, Owner: "bob", Pipeline: pipeline})
	require.NoError(t, err)
	require.NoError(t, genestore.TransitionJob(ctx, s, id, jobstatus.Waiting, jobstatus.InProgress))
	require.NoError(t, genestore.TransitionJob(ctx, s, id, jobstatus.InProgress, jobstatus.Completed))
	if outputPath != "" {
		require.NoError(t, genestore.SetJobOutput(ctx, s, id, outputPath))
	}
}

func requireStatus(t *testing.T, s *genestore.Store, want jobstatus.Status, ids ...string) {
	t.Helper()
	for _, id := range ids {
		job, err := genestore.GetJob(context.Background(), s, id)
		require.NoError(t, err)
		require.Equal(t, want, job.Status, "job %s", id)
	}
}
