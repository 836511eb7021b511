package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/genomatrix/internal/assets/schemas"
)

// SchemaID is the schema identifier for seed manifests.
const SchemaID = "genomatrix/v1.0.0/seed-manifest"

// Validation errors
var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("seed manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("seed manifest validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single problem at a JSON pointer.
type ValidationError struct {
	// Path is the JSON pointer of the offending field (e.g., "/studies/0/group").
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every problem found in one manifest.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "seed manifest validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks a parsed manifest against the schema and the
// cross-reference rules. Unknown fields are already lost at this point; use
// ValidateRaw on the original input for strict checks.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	return checkReferences(m)
}

// ValidateRaw checks raw JSON against the embedded seed-manifest schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// checkReferences rejects duplicate keys. Studies may reference annotation
// versions that are not declared here but already exist in the store.
func checkReferences(m *Manifest) error {
	var errs ValidationErrors

	annots := make(map[string]bool, len(m.AnnotationVersions))
	for i, a := range m.AnnotationVersions {
		if annots[a.Name] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/annotation_versions/%d/name", i),
				Message: fmt.Sprintf("duplicate annotation version %q", a.Name),
			})
		}
		annots[a.Name] = true
	}

	studies := make(map[string]bool, len(m.Studies))
	for i, s := range m.Studies {
		if studies[s.ID] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/studies/%d/id", i),
				Message: fmt.Sprintf("duplicate study %q", s.ID),
			})
		}
		studies[s.ID] = true
	}

	type subjectKey struct{ id, group string }
	subjects := make(map[subjectKey]bool, len(m.Subjects))
	for i, s := range m.Subjects {
		k := subjectKey{s.ID, s.Group}
		if subjects[k] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/subjects/%d", i),
				Message: fmt.Sprintf("duplicate subject %q in group %q", s.ID, s.Group),
			})
		}
		subjects[k] = true
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.SeedManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded seed-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.SeedManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile seed manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
