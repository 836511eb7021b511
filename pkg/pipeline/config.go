package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/genomatrix/internal/assets/schemas"
	"github.com/3leaps/genomatrix/pkg/faults"
)

// ConfigFileName is the name of the config file written into each run dir.
const ConfigFileName = "config.yaml"

// ErrInvalidConfig wraps schema violations in a run config.
var ErrInvalidConfig = errors.New("invalid pipeline config")

// RunConfig is the document handed to a pipeline process.
type RunConfig struct {
	JobID        string            `yaml:"job_id" json:"job_id"`
	StudyID      string            `yaml:"study_id" json:"study_id"`
	Pipeline     string            `yaml:"pipeline" json:"pipeline"`
	Owner        string            `yaml:"owner" json:"owner"`
	AnnotVersion string            `yaml:"annotation_version" json:"annotation_version"`
	OutputDir    string            `yaml:"output_dir" json:"output_dir"`
	Inputs       []string          `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Params       map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// ConfigWriter materializes a RunConfig in dir and returns its path.
type ConfigWriter interface {
	Write(ctx context.Context, dir string, cfg RunConfig) (string, error)
}

// YAMLConfigWriter writes config.yaml after validating it against the
// embedded pipeline-config schema.
type YAMLConfigWriter struct{}

var (
	configSchemaOnce sync.Once
	configSchema     *jsonschema.Schema
	configSchemaErr  error
)

func compiledConfigSchema() (*jsonschema.Schema, error) {
	configSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("pipeline-config.schema.json", bytes.NewReader(schemasassets.PipelineConfigSchema)); err != nil {
			configSchemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		configSchema, configSchemaErr = compiler.Compile("pipeline-config.schema.json")
	})
	return configSchema, configSchemaErr
}

// ValidateConfig checks a YAML config document against the schema.
func ValidateConfig(data []byte) error {
	s, err := compiledConfigSchema()
	if err != nil {
		return fmt.Errorf("compile pipeline config schema: %w", err)
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	// Round trip through JSON so the validator sees JSON-native types.
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Write implements ConfigWriter.
func (YAMLConfigWriter) Write(ctx context.Context, dir string, cfg RunConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal pipeline config: %w", err)
	}
	if err := ValidateConfig(data); err != nil {
		return "", err
	}

	path := filepath.Join(dir, ConfigFileName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &faults.IOFailure{Op: "write config", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, ConfigFileName+".tmp.*")
	if err != nil {
		return "", &faults.IOFailure{Op: "write config", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", &faults.IOFailure{Op: "write config", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &faults.IOFailure{Op: "write config", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", &faults.IOFailure{Op: "write config", Path: path, Err: err}
	}
	return path, nil
}
