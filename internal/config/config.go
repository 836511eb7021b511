// Package config loads genomatrix configuration.
//
// Precedence, lowest first: built-in defaults, an optional YAML config
// file, GENOMATRIX_* environment variables, then runtime overrides passed
// to Load.
package config

import (
	"time"

	"github.com/3leaps/genomatrix/pkg/pipeline"
)

// Config is the full runtime configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
	Finalize FinalizeConfig `mapstructure:"finalize"`
	Export   ExportConfig   `mapstructure:"export"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Identity IdentityConfig `mapstructure:"identity"`
	Health   HealthConfig   `mapstructure:"health"`

	// Workers is the size of the finalize/export worker pool.
	Workers int `mapstructure:"workers"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// StoreConfig selects the gene store backend.
type StoreConfig struct {
	Driver           string        `mapstructure:"driver"`
	Path             string        `mapstructure:"path"`
	URL              string        `mapstructure:"url"`
	AuthToken        string        `mapstructure:"auth_token"`
	DSN              string        `mapstructure:"dsn"`
	MaxConns         int32         `mapstructure:"max_conns"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

type PipelineConfig struct {
	// Workdir holds one directory per job: run.json, pipeline.log,
	// config.yaml and the pipeline output.
	Workdir     string                `mapstructure:"workdir"`
	Timeout     time.Duration         `mapstructure:"timeout"`
	RateLimit   float64               `mapstructure:"rate_limit"`
	Burst       int                   `mapstructure:"burst"`
	Definitions []pipeline.Definition `mapstructure:"definitions"`
}

type UploadsConfig struct {
	Includes []string `mapstructure:"includes"`
	Excludes []string `mapstructure:"excludes"`
}

type FinalizeConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	ReportDir   string        `mapstructure:"report_dir"`
	PNGReport   bool          `mapstructure:"png_report"`
	FontPath    string        `mapstructure:"font_path"`
}

type ExportConfig struct {
	// Sink is "local" or "s3".
	Sink string   `mapstructure:"sink"`
	Dir  string   `mapstructure:"dir"`
	XLSX bool     `mapstructure:"xlsx"`
	S3   S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type NotifyConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// IdentityConfig is the static user to group directory.
type IdentityConfig struct {
	Users map[string]string `mapstructure:"users"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
