package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()
	t.Setenv(ConfigFileEnv, "")

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, "genomatrix.db", filepath.Base(cfg.Store.Path))
		dataDir := defaultDataDir()
		assert.Equal(t, filepath.Join(dataDir, "genomatrix.db"), cfg.Store.Path)
		assert.Equal(t, filepath.Join(dataDir, "runs"), cfg.Pipeline.Workdir)
		assert.Equal(t, filepath.Join(dataDir, "exports"), cfg.Export.Dir)
		assert.Contains(t, dataDir, AppName)
		assert.Equal(t, 24*time.Hour, cfg.Pipeline.Timeout)
		assert.Equal(t, "local", cfg.Export.Sink)
		assert.True(t, cfg.Export.XLSX)
		assert.Equal(t, "genomatrix.finalization", cfg.Notify.Redis.Channel)
		assert.False(t, cfg.Notify.Redis.Enabled)
		assert.True(t, cfg.Health.Enabled)
		assert.Equal(t, 4, cfg.Workers)
		assert.Empty(t, cfg.Pipeline.Definitions)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("GENOMATRIX_PORT", "3000")
		t.Setenv("GENOMATRIX_LOG_LEVEL", "warn")
		t.Setenv("GENOMATRIX_EXPORT_XLSX", "false")
		t.Setenv("GENOMATRIX_UPLOADS_INCLUDES", "out/*.tsv,*.txt")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Export.XLSX)
		assert.Equal(t, []string{"out/*.tsv", "*.txt"}, cfg.Uploads.Includes)
	})

	t.Run("LongFormEnv", func(t *testing.T) {
		t.Setenv("GENOMATRIX_SERVER_PORT", "3100")
		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3100, cfg.Server.Port)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("GENOMATRIX_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "genomatrix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
store:
  driver: postgres
  dsn: postgres://localhost/genomatrix
pipeline:
  timeout: 90m
  definitions:
    - name: variant-caller
      command: /opt/vc
      args: ["--config", "{config}"]
identity:
  users:
    alice: oncology
export:
  sink: s3
  s3:
    bucket: exports
    force_path_style: true
`), 0o644))

	t.Setenv("GENOMATRIX_PORT", "7100")
	cfg, err := LoadFile(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, 7100, cfg.Server.Port, "env beats file")
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 90*time.Minute, cfg.Pipeline.Timeout)
	require.Len(t, cfg.Pipeline.Definitions, 1)
	assert.Equal(t, "variant-caller", cfg.Pipeline.Definitions[0].Name)
	assert.Equal(t, []string{"--config", "{config}"}, cfg.Pipeline.Definitions[0].Args)
	assert.Equal(t, "oncology", cfg.Identity.Users["alice"])
	assert.Equal(t, "exports", cfg.Export.S3.Bucket)
	assert.True(t, cfg.Export.S3.ForcePathStyle)

	_, err = LoadFile(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		overrides map[string]any
		want      string
	}{
		{"bad driver", map[string]any{"store": map[string]any{"driver": "oracle"}}, "store.driver"},
		{"postgres without dsn", map[string]any{"store": map[string]any{"driver": "postgres"}}, "store.dsn"},
		{"bad sink", map[string]any{"export": map[string]any{"sink": "ftp"}}, "export.sink"},
		{"s3 without bucket", map[string]any{"export": map[string]any{"sink": "s3"}}, "export.s3.bucket"},
		{"no workers", map[string]any{"workers": 0}, "workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(ctx, tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	cfg, err := Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Server.Port, GetConfig().Server.Port)

	cfg2, err := Load(ctx, map[string]any{"server": map[string]any{"port": cfg.Server.Port + 1000}})
	require.NoError(t, err)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

func TestEnvSpecs(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "GENOMATRIX_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = true
	}
	assert.True(t, names["GENOMATRIX_LOG_LEVEL"])
	assert.True(t, names["GENOMATRIX_PORT"])
	assert.True(t, names["GENOMATRIX_DB_DSN"])
}

func TestDurationParsing(t *testing.T) {
	t.Setenv("GENOMATRIX_READ_TIMEOUT", "45s")
	t.Setenv("GENOMATRIX_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}
