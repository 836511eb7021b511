package manifest

import (
	"context"
	"fmt"

	"github.com/3leaps/genomatrix/pkg/genestore"
)

// Summary counts what Apply wrote.
type Summary struct {
	AnnotationVersions int
	GenesInserted      int64
	Studies            int
	Subjects           int
}

// Apply upserts the manifest's reference data. It is idempotent: gene rows
// that already exist are kept, and study updates never touch the finalized
// flag or recorded export paths.
func Apply(ctx context.Context, q genestore.Querier, m *Manifest) (*Summary, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest is nil")
	}
	var sum Summary
	for _, a := range m.AnnotationVersions {
		if err := genestore.UpsertAnnotationVersion(ctx, q, a.Name, a.Description); err != nil {
			return &sum, fmt.Errorf("annotation version %s: %w", a.Name, err)
		}
		sum.AnnotationVersions++
		n, err := genestore.UpsertGeneSymbols(ctx, q, a.Name, a.Genes)
		if err != nil {
			return &sum, fmt.Errorf("genes of %s: %w", a.Name, err)
		}
		sum.GenesInserted += n
	}
	for _, s := range m.Studies {
		if err := genestore.UpsertStudy(ctx, q, s.ID, s.Group, s.AnnotationVersion); err != nil {
			return &sum, fmt.Errorf("study %s: %w", s.ID, err)
		}
		sum.Studies++
	}
	for _, s := range m.Subjects {
		err := genestore.UpsertSubject(ctx, q, genestore.Subject{SubjectID: s.ID, GroupID: s.Group, Metadata: s.Metadata})
		if err != nil {
			return &sum, fmt.Errorf("subject %s: %w", s.ID, err)
		}
		sum.Subjects++
	}
	return &sum, nil
}
