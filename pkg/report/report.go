// Package report renders the summary produced after a finalization.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/3leaps/genomatrix/pkg/faults"
)

// BatchSize is how many subjects are listed per batch line.
const BatchSize = 5

// JobEntry describes one finalized job.
type JobEntry struct {
	JobID          string
	Pipeline       string
	Submitter      string
	SubmittedAt    time.Time
	GenesAvailable int
	GenesStored    int
}

// Report is the summary of one finalization.
type Report struct {
	StudyID      string
	AnnotVersion string
	Author       string
	GeneratedAt  time.Time
	Jobs         []JobEntry

	// Found and NotFound are subject ids split into batches of BatchSize.
	Found    [][]string
	NotFound [][]string
}

// FoundCount returns the number of found subjects.
func (r Report) FoundCount() int { return countBatches(r.Found) }

// NotFoundCount returns the number of subjects missing from the metadata.
func (r Report) NotFoundCount() int { return countBatches(r.NotFound) }

func countBatches(b [][]string) int {
	n := 0
	for _, batch := range b {
		n += len(batch)
	}
	return n
}

// Batch splits items into consecutive groups of at most size, preserving order.
func Batch(items []string, size int) [][]string {
	if size <= 0 {
		size = BatchSize
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, append([]string(nil), items[start:end]...))
	}
	return out
}

// Renderer writes a Report in one format.
type Renderer interface {
	// Extension is the file extension, including the dot.
	Extension() string
	Render(ctx context.Context, r Report, w io.Writer) error
}

// WriteFiles renders r with every renderer into dir as
// <study>_report_<timestamp><ext> and returns the paths in renderer order.
func WriteFiles(ctx context.Context, dir string, r Report, renderers ...Renderer) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &faults.IOFailure{Op: "mkdir", Path: dir, Err: err}
	}
	stamp := r.GeneratedAt.UTC().Format("20060102T150405Z")

	paths := make([]string, 0, len(renderers))
	for _, rd := range renderers {
		path := filepath.Join(dir, fmt.Sprintf("%s_report_%s%s", r.StudyID, stamp, rd.Extension()))
		if err := writeOne(ctx, path, r, rd); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeOne(ctx context.Context, path string, r Report, rd Renderer) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return &faults.IOFailure{Op: "create", Path: path, Err: err}
	}
	if err := rd.Render(ctx, r, f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return &faults.IOFailure{Op: "render", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return &faults.IOFailure{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &faults.IOFailure{Op: "rename", Path: path, Err: err}
	}
	return nil
}
