package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/genomatrix/pkg/export"
	"github.com/3leaps/genomatrix/pkg/pipeline"
)

const seedManifest = `version: "1.0"
annotation_versions:
  - name: hg19
    genes: [TP53, BRCA1]
studies:
  - id: STU-1
    group: G1
    annotation_version: hg19
subjects:
  - id: S1
    group: G1
`

// rnaseqScript writes an output matrix with one known (S1) and one unknown
// (S9) subject into the run directory.
const rnaseqScript = `printf 'gene\tensembl\tS1\tS9\nTP53\t-\t1.5\t2.0\nBRCA1\t-\t0.5\t0.7\n' > output.tsv`

type testEnv struct {
	dir        string
	configPath string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]any{
		"logging": map[string]any{"level": "error", "profile": "console"},
		"store":   map[string]any{"path": filepath.Join(dir, "genomatrix.db")},
		"pipeline": map[string]any{
			"workdir":    filepath.Join(dir, "runs"),
			"rate_limit": 0,
			"definitions": []map[string]any{
				{"name": "rnaseq", "command": "/bin/sh", "args": []string{"-c", rnaseqScript}},
				{"name": "broken", "command": "/bin/sh", "args": []string{"-c", "exit 3"}},
			},
		},
		"finalize": map[string]any{"report_dir": filepath.Join(dir, "reports")},
		"export":   map[string]any{"dir": filepath.Join(dir, "exports"), "xlsx": false},
	}
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return &testEnv{dir: dir, configPath: path}
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, append([]string{"--config", e.configPath}, args...)...)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags restores every flag to its default between executions of the
// shared command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		switch v := f.Value.(type) {
		case pflag.SliceValue:
			_ = v.Replace(nil)
		default:
			if f.Value.Type() != "stringToString" {
				_ = f.Value.Set(f.DefValue)
			}
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func TestVersionCommand(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()
	SetVersionInfo("1.2.3", "abc123", "2026-01-01")

	env := newTestEnv(t)
	out, err := env.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "genomatrix 1.2.3 (commit abc123, built 2026-01-01")
}

func TestMigrateCommand(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date (sqlite, 6 job statuses)")
	assert.FileExists(t, filepath.Join(env.dir, "genomatrix.db"))
}

func TestInvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: oracle\n"), 0o644))

	_, err := execute(t, "--config", path, "version")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))
}

func TestSeedCommand(t *testing.T) {
	env := newTestEnv(t)
	manifestPath := filepath.Join(env.dir, "seed.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(seedManifest), 0o644))

	out, err := env.run(t, "seed", "--dry-run", manifestPath)
	require.NoError(t, err)
	assert.Contains(t, out, "manifest ok: 1 annotation versions, 1 studies, 1 subjects")

	out, err = env.run(t, "seed", manifestPath)
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 1 annotation versions (2 new genes), 1 studies, 1 subjects")

	out, err = env.run(t, "seed", manifestPath)
	require.NoError(t, err)
	assert.Contains(t, out, "(0 new genes)")

	bad := filepath.Join(env.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: \"2.0\"\n"), 0o644))
	_, err = env.run(t, "seed", bad)
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))
}

func TestJobLifecycleCommands(t *testing.T) {
	requireShell(t)
	env := newTestEnv(t)
	manifestPath := filepath.Join(env.dir, "seed.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(seedManifest), 0o644))
	_, err := env.run(t, "seed", manifestPath)
	require.NoError(t, err)

	out, err := env.run(t, "job", "run", "--study", "STU-1", "--owner", "alice", "--pipeline", "rnaseq", "--job-id", "J1")
	require.NoError(t, err)
	assert.Contains(t, out, "job J1 started")
	assert.Contains(t, out, "job J1 Completed")

	out, err = env.run(t, "job", "status", "J1", "--json")
	require.NoError(t, err)
	var view jobView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "Completed", view.Status)
	assert.Equal(t, filepath.Join(env.dir, "runs", "J1", "output.tsv"), view.OutputPath)
	require.NotNil(t, view.Run)
	assert.Equal(t, pipeline.RunStateSucceeded, view.Run.State)

	out, err = env.run(t, "finalize", "--user", "alice", "--study", "STU-1", "--job", "J1")
	require.NoError(t, err)
	assert.Contains(t, out, "finalized 1 job(s) of study STU-1 (hg19)")
	assert.Contains(t, out, "J1 rnaseq: 2/2 genes stored, 1 subjects found, 1 not found")
	assert.Contains(t, out, "subjects not in clinical metadata: S9")
	assert.Contains(t, out, "export regenerated")

	exported, err := os.ReadFile(filepath.Join(env.dir, "exports", export.FileName("STU-1")))
	require.NoError(t, err)
	assert.Contains(t, string(exported), "S1\trnaseq")

	out, err = env.run(t, "job", "list", "--study", "STU-1", "--status", "Finalized")
	require.NoError(t, err)
	assert.Contains(t, out, "J1")
	assert.Contains(t, out, "Finalized")

	_, err = env.run(t, "finalize", "--user", "alice", "--study", "STU-1", "--job", "J1")
	require.Error(t, err)
	assert.Equal(t, exitCodeFailure, ExitCode(err))

	out, err = env.run(t, "unfinalize", "--user", "alice", "--study", "STU-1")
	require.NoError(t, err)
	assert.Contains(t, out, "unfinalized 1 job(s) of study STU-1: 1 columns voided")

	out, err = env.run(t, "job", "status", "J1")
	require.NoError(t, err)
	assert.Contains(t, out, "Completed")

	_, err = env.run(t, "unfinalize", "--user", "alice", "--study", "STU-1")
	require.Error(t, err)
	assert.Equal(t, exitCodeFailure, ExitCode(err))

	out, err = env.run(t, "export", "--study", "STU-1")
	require.NoError(t, err)
	assert.Contains(t, out, "exported 0 rows x 2 genes")
}

func TestJobRunFailures(t *testing.T) {
	requireShell(t)
	env := newTestEnv(t)
	manifestPath := filepath.Join(env.dir, "seed.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(seedManifest), 0o644))
	_, err := env.run(t, "seed", manifestPath)
	require.NoError(t, err)

	_, err = env.run(t, "job", "run", "--study", "STU-1", "--owner", "alice", "--pipeline", "nope")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))

	out, err := env.run(t, "job", "run", "--study", "STU-1", "--owner", "alice", "--pipeline", "broken", "--job-id", "J2")
	require.Error(t, err)
	assert.Equal(t, exitCodeFailure, ExitCode(err))
	assert.Contains(t, out, "job J2 Failed")

	_, err = env.run(t, "job", "status", "missing")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))

	_, err = env.run(t, "job", "list", "--status", "Bogus")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))
}

func TestJobListEmpty(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "job", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found")

	out, err = env.run(t, "job", "list", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}
