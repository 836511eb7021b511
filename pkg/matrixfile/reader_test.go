package matrixfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/genomatrix/pkg/faults"
)

func readAll(t *testing.T, r *Reader) []Row {
	t.Helper()
	var rows []Row
	for {
		row, err := r.Next()
		if errors.Is(err, io.EOF) {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestReaderParsesHeaderAndRows(t *testing.T) {
	src := "gene\tensembl\tS1\tS2\tS3\r\n" +
		"TP53\tENSG1\t1.0\t2.0\t3.0\r\n" +
		"\n" +
		"BRCA1\tENSG2\t4.0\n"

	r, err := NewReader(strings.NewReader(src), "out.tsv")
	require.NoError(t, err)
	assert.Equal(t, []string{"S1", "S2", "S3"}, r.Header().Subjects)
	assert.Equal(t, "gene", r.Header().Gene)

	rows := readAll(t, r)
	require.Len(t, rows, 2)
	assert.Equal(t, "TP53", rows[0].Gene)
	assert.Equal(t, []string{"1.0", "2.0", "3.0"}, rows[0].Values)
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, "BRCA1", rows[1].Gene)
	assert.Equal(t, []string{"4.0"}, rows[1].Values)
	assert.Equal(t, 4, rows[1].Line)
}

func TestReaderZeroSubjects(t *testing.T) {
	r, err := NewReader(strings.NewReader("gene\tensembl\nTP53\tENSG1\n"), "out.tsv")
	require.NoError(t, err)
	assert.Empty(t, r.Header().Subjects)

	rows := readAll(t, r)
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].Values)
}

func TestReaderHeaderFailures(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "empty", src: ""},
		{name: "one column", src: "gene\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tt.src), "bad.tsv")
			require.Error(t, err)
			assert.True(t, faults.IsIOFailure(err))
		})
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.tsv"))
	require.Error(t, err)
	var ioErr *faults.IOFailure
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "open", ioErr.Op)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tsv")
	require.NoError(t, os.WriteFile(path, []byte("g\ts\tA\nX\t-\t7\n"), 0o644))

	r, err := Open(path)
	require.NoError(t, err)
	rows := readAll(t, r)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	require.Len(t, rows, 1)
	assert.Equal(t, []string{"7"}, rows[0].Values)
	assert.Equal(t, path, r.Path())
}
