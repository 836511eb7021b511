package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/genomatrix/internal/observability"
	"github.com/3leaps/genomatrix/pkg/notify"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GENOMATRIX"

// ConfigFileEnv names a YAML config file to load.
const ConfigFileEnv = EnvPrefix + "_CONFIG"

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// EnvSpec maps a short environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

// getEnvSpecs lists the short aliases. Every key is also reachable through
// its long form, e.g. GENOMATRIX_SERVER_PORT.
func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: EnvPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: EnvPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: EnvPrefix + "_DB_DRIVER", Path: "store.driver"},
		{Name: EnvPrefix + "_DB_PATH", Path: "store.path"},
		{Name: EnvPrefix + "_DB_URL", Path: "store.url"},
		{Name: EnvPrefix + "_DB_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: EnvPrefix + "_DB_DSN", Path: "store.dsn"},
		{Name: EnvPrefix + "_WORKDIR", Path: "pipeline.workdir"},
		{Name: EnvPrefix + "_PIPELINE_TIMEOUT", Path: "pipeline.timeout"},
		{Name: EnvPrefix + "_REPORT_DIR", Path: "finalize.report_dir"},
		{Name: EnvPrefix + "_EXPORT_DIR", Path: "export.dir"},
		{Name: EnvPrefix + "_EXPORT_SINK", Path: "export.sink"},
		{Name: EnvPrefix + "_S3_BUCKET", Path: "export.s3.bucket"},
		{Name: EnvPrefix + "_S3_ENDPOINT", Path: "export.s3.endpoint"},
		{Name: EnvPrefix + "_REDIS_ADDR", Path: "notify.redis.addr"},
		{Name: EnvPrefix + "_WORKERS", Path: "workers"},
	}
}

// AppName is the gofulmen app name that scopes the data directory.
const AppName = "genomatrix"

func defaultDataDir() string {
	if dir := gfconfig.GetAppDataDir(AppName); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), AppName)
}

func setDefaults(v *viper.Viper) {
	data := defaultDataDir()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", observability.ProfileStructured)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(data, "genomatrix.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 0)
	v.SetDefault("store.statement_timeout", "0s")

	v.SetDefault("pipeline.workdir", filepath.Join(data, "runs"))
	v.SetDefault("pipeline.timeout", "24h")
	v.SetDefault("pipeline.rate_limit", 2.0)
	v.SetDefault("pipeline.burst", 4)
	v.SetDefault("pipeline.definitions", []map[string]any{})

	v.SetDefault("uploads.includes", []string{})
	v.SetDefault("uploads.excludes", []string{})

	v.SetDefault("finalize.queue_size", 64)
	v.SetDefault("finalize.task_timeout", "0s")
	v.SetDefault("finalize.report_dir", filepath.Join(data, "reports"))
	v.SetDefault("finalize.png_report", false)
	v.SetDefault("finalize.font_path", "")

	v.SetDefault("export.sink", "local")
	v.SetDefault("export.dir", filepath.Join(data, "exports"))
	v.SetDefault("export.xlsx", true)
	v.SetDefault("export.s3.bucket", "")
	v.SetDefault("export.s3.prefix", "")
	v.SetDefault("export.s3.region", "")
	v.SetDefault("export.s3.endpoint", "")
	v.SetDefault("export.s3.profile", "")
	v.SetDefault("export.s3.access_key_id", "")
	v.SetDefault("export.s3.secret_access_key", "")
	v.SetDefault("export.s3.force_path_style", false)

	v.SetDefault("notify.redis.enabled", false)
	v.SetDefault("notify.redis.addr", "localhost:6379")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.redis.channel", notify.DefaultChannel)

	v.SetDefault("identity.users", map[string]string{})
	v.SetDefault("health.enabled", true)
	v.SetDefault("workers", 4)
}

// Load builds the configuration and stores it for GetConfig. The config
// file named by GENOMATRIX_CONFIG is read when set.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, os.Getenv(ConfigFileEnv), overrides...)
}

// LoadFile is Load with an explicit config file. An empty path skips the
// file.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		long := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(spec.Path, ".", "_"))
		if err := v.BindEnv(spec.Path, spec.Name, long); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects configurations no command could run with.
func (c *Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		problems = append(problems, "store.dsn is required for postgres")
	}
	switch c.Export.Sink {
	case "local", "s3":
	default:
		problems = append(problems, fmt.Sprintf("export.sink %q must be local or s3", c.Export.Sink))
	}
	if c.Export.Sink == "s3" && c.Export.S3.Bucket == "" {
		problems = append(problems, "export.s3.bucket is required for the s3 sink")
	}
	if c.Workers < 1 {
		problems = append(problems, "workers must be >= 1")
	}
	if c.Pipeline.Timeout < 0 {
		problems = append(problems, "pipeline.timeout must not be negative")
	}
	seen := map[string]bool{}
	for i, d := range c.Pipeline.Definitions {
		if d.Name == "" || d.Command == "" {
			problems = append(problems, fmt.Sprintf("pipeline.definitions[%d] needs name and command", i))
		}
		if seen[d.Name] {
			problems = append(problems, fmt.Sprintf("pipeline.definitions[%d] duplicates %q", i, d.Name))
		}
		seen[d.Name] = true
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
