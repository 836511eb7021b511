// Package manifest provides loading and validation of genomatrix seed
// manifests.
//
// A seed manifest is a YAML or JSON file that declares the reference data a
// deployment needs before pipelines can run and be finalized: annotation
// versions with their gene symbols, studies, subjects and the user to group
// mapping used to resolve subject ownership.
//
// Manifests are validated against a JSON Schema before they are parsed. The
// schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	annotation_versions:
//	  - name: hg19
//	    genes: [BRCA1, EGFR, TP53]
//	studies:
//	  - id: STU-A
//	    group: oncology
//	    annotation_version: hg19
//	subjects:
//	  - id: S1
//	    group: oncology
//	users:
//	  alice: oncology
package manifest

import "github.com/3leaps/genomatrix/pkg/directory"

// Manifest represents a validated seed manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	AnnotationVersions []AnnotationVersion `json:"annotation_versions,omitempty" yaml:"annotation_versions,omitempty"`
	Studies            []Study             `json:"studies,omitempty" yaml:"studies,omitempty"`
	Subjects           []Subject           `json:"subjects,omitempty" yaml:"subjects,omitempty"`

	// Users maps user names to group ids.
	Users map[string]string `json:"users,omitempty" yaml:"users,omitempty"`
}

// AnnotationVersion declares a gene store partition and its gene rows.
type AnnotationVersion struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Genes       []string `json:"genes,omitempty" yaml:"genes,omitempty"`
}

// Study binds a study to its owning group and annotation version.
type Study struct {
	ID                string `json:"id" yaml:"id"`
	Group             string `json:"group" yaml:"group"`
	AnnotationVersion string `json:"annotation_version" yaml:"annotation_version"`
}

// Subject is a clinical subject registered under a group.
type Subject struct {
	ID       string `json:"id" yaml:"id"`
	Group    string `json:"group" yaml:"group"`
	Metadata string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Users == nil {
		m.Users = map[string]string{}
	}
}

// Directory returns the manifest's user to group mapping.
func (m *Manifest) Directory() directory.StaticDirectory {
	d := make(directory.StaticDirectory, len(m.Users))
	for user, group := range m.Users {
		d[user] = group
	}
	return d
}
