package report

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// TextRenderer renders a plain-text report.
type TextRenderer struct{}

// Extension implements Renderer.
func (TextRenderer) Extension() string { return ".txt" }

// Render implements Renderer.
func (TextRenderer) Render(_ context.Context, r Report, w io.Writer) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "Finalization report: %s\n", r.StudyID)
	fmt.Fprintf(bw, "Annotation version: %s\n", r.AnnotVersion)
	fmt.Fprintf(bw, "Author: %s\n", r.Author)
	fmt.Fprintf(bw, "Generated: %s\n\n", r.GeneratedAt.UTC().Format(time.RFC3339))

	fmt.Fprintf(bw, "Jobs (%d)\n", len(r.Jobs))
	for _, j := range r.Jobs {
		fmt.Fprintf(bw, "  %s  pipeline=%s  submitter=%s  submitted=%s  genes=%d/%d\n",
			j.JobID, j.Pipeline, j.Submitter, j.SubmittedAt.UTC().Format(time.RFC3339),
			j.GenesStored, j.GenesAvailable)
	}

	writeBatches(bw, "Found subjects", r.FoundCount(), r.Found)
	writeBatches(bw, "Subjects not found", r.NotFoundCount(), r.NotFound)

	return bw.Flush()
}

func writeBatches(w io.Writer, title string, total int, batches [][]string) {
	fmt.Fprintf(w, "\n%s (%d)\n", title, total)
	if total == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	for _, b := range batches {
		fmt.Fprintf(w, "  %s\n", strings.Join(b, ", "))
	}
}
