package genestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/genomatrix/pkg/faults"
)

func TestStudyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedStudy(t, s, "study-1", "grp", "hg38", nil)

	st, err := GetStudy(ctx, s, "study-1")
	require.NoError(t, err)
	assert.Equal(t, "grp", st.GroupID)
	assert.Equal(t, "hg38", st.AnnotVersion)
	assert.False(t, st.Finalized)

	require.NoError(t, SetStudyFinalized(ctx, s, "study-1", true))
	require.NoError(t, SetStudyExportPath(ctx, s, "study-1", "/exports/study-1_consolidated.tsv"))
	require.NoError(t, SetStudyReportPath(ctx, s, "study-1", "/reports/study-1.txt"))

	// Re-seeding keeps the finalized flag and paths.
	require.NoError(t, UpsertStudy(ctx, s, "study-1", "grp", "hg38"))

	st, err = GetStudy(ctx, s, "study-1")
	require.NoError(t, err)
	assert.True(t, st.Finalized)
	assert.Equal(t, "/exports/study-1_consolidated.tsv", st.ExportPath)
	assert.Equal(t, "/reports/study-1.txt", st.ReportPath)

	_, err = GetStudy(ctx, s, "missing")
	assert.True(t, faults.IsNotFound(err))
	assert.True(t, faults.IsNotFound(SetStudyFinalized(ctx, s, "missing", true)))
}

func TestSubjectsAndGenes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedStudy(t, s, "study-1", "grp", "hg38", []string{"TP53", "BRCA1"}, "S1")

	ok, err := SubjectExists(ctx, s, "S1", "grp")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = SubjectExists(ctx, s, "S1", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	inserted, err := UpsertGeneSymbols(ctx, s, "hg38", []string{"TP53", "EGFR", " "})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	genes, err := ListGeneSymbols(ctx, s, "hg38")
	require.NoError(t, err)
	assert.Equal(t, []string{"BRCA1", "EGFR", "TP53"}, genes)

	exists, err := GeneExists(ctx, s, "hg38", "EGFR")
	require.NoError(t, err)
	assert.True(t, exists)

	set, err := GeneSet(ctx, s, "hg19")
	require.NoError(t, err)
	assert.Empty(t, set)
}
