// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// SeedManifestSchema is the embedded seed-manifest JSON schema.
//
//go:embed seed-manifest.schema.json
var SeedManifestSchema []byte

// PipelineConfigSchema is the embedded schema for per-run pipeline config files.
//
//go:embed pipeline-config.schema.json
var PipelineConfigSchema []byte
