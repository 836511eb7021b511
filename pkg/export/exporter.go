// Package export regenerates the consolidated per-study export: one row per
// (subject, pipeline) with every gene value of the study's annotation
// version.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/genomatrix/pkg/genestore"
)

const (
	contentTypeTSV  = "text/tab-separated-values"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	sheetName       = "Consolidated"
)

// Table is the consolidated matrix of a study.
type Table struct {
	StudyID      string
	AnnotVersion string
	Genes        []string
	Rows         []Row
}

// Row is one (subject, pipeline) line. Values align with Table.Genes; an
// empty string means no value was stored.
type Row struct {
	SubjectID  string
	Pipeline   string
	ArrayIndex int
	Values     []string
}

// Result describes a completed export.
type Result struct {
	StudyID      string
	AnnotVersion string
	Rows         int
	Genes        int
	Location     string
	XLSXLocation string
}

// Exporter builds and stores consolidated exports.
type Exporter struct {
	store *genestore.Store
	sink  Sink
	xlsx  bool
	log   *zap.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithXLSX also writes an .xlsx companion next to the TSV.
func WithXLSX(enabled bool) Option {
	return func(e *Exporter) { e.xlsx = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.log = l
		}
	}
}

// New returns an Exporter writing to sink.
func New(store *genestore.Store, sink Sink, opts ...Option) *Exporter {
	e := &Exporter{store: store, sink: sink, log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// FileName returns the TSV file name of a study export.
func FileName(studyID string) string {
	return studyID + "_consolidated.tsv"
}

// Export rebuilds the export of studyID, stores it and records its location
// on the study.
func (e *Exporter) Export(ctx context.Context, studyID string) (*Result, error) {
	study, err := genestore.GetStudy(ctx, e.store, studyID)
	if err != nil {
		return nil, err
	}

	table, err := e.Build(ctx, study)
	if err != nil {
		return nil, err
	}

	res := &Result{
		StudyID:      study.StudyID,
		AnnotVersion: study.AnnotVersion,
		Rows:         len(table.Rows),
		Genes:        len(table.Genes),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loc, err := e.sink.Put(gctx, FileName(studyID), contentTypeTSV, table.TSV())
		res.Location = loc
		return err
	})
	if e.xlsx {
		g.Go(func() error {
			data, err := table.XLSX()
			if errors.Is(err, ErrTooLargeForXLSX) {
				e.log.Warn("xlsx export skipped", zap.String("study_id", studyID), zap.Error(err))
				return nil
			}
			if err != nil {
				return err
			}
			loc, err := e.sink.Put(gctx, strings.TrimSuffix(FileName(studyID), ".tsv")+".xlsx", contentTypeXLSX, data)
			res.XLSXLocation = loc
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := genestore.SetStudyExportPath(ctx, e.store, studyID, res.Location); err != nil {
		return nil, err
	}

	e.log.Info("export written",
		zap.String("study_id", studyID),
		zap.String("annot_version", study.AnnotVersion),
		zap.Int("rows", res.Rows),
		zap.Int("genes", res.Genes),
		zap.String("location", res.Location))
	return res, nil
}

// Build assembles the consolidated table while holding the read side of the
// annotation version lock.
func (e *Exporter) Build(ctx context.Context, study *genestore.Study) (*Table, error) {
	unlock := e.store.RLockAnnotation(study.AnnotVersion)
	defer unlock()

	cols, err := genestore.ListFinalizedColumns(ctx, e.store, study.AnnotVersion, study.StudyID)
	if err != nil {
		return nil, err
	}

	// A (subject, pipeline) pair finalized more than once keeps its newest column.
	type pairKey struct{ subject, pipeline string }
	latest := make(map[pairKey]genestore.FinalizedColumn, len(cols))
	for _, c := range cols {
		k := pairKey{c.SubjectID, c.Pipeline}
		if prev, ok := latest[k]; !ok || c.ArrayIndex > prev.ArrayIndex {
			latest[k] = c
		}
	}

	genes, err := genestore.ListGeneSymbols(ctx, e.store, study.AnnotVersion)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(latest))
	for _, c := range latest {
		indices = append(indices, c.ArrayIndex)
	}
	cells, err := genestore.CellsAt(ctx, e.store, study.AnnotVersion, indices)
	if err != nil {
		return nil, err
	}

	table := &Table{StudyID: study.StudyID, AnnotVersion: study.AnnotVersion, Genes: genes}
	for _, c := range latest {
		values := make([]string, len(genes))
		byGene := cells[c.ArrayIndex]
		for i, g := range genes {
			values[i] = byGene[g]
		}
		table.Rows = append(table.Rows, Row{
			SubjectID:  c.SubjectID,
			Pipeline:   c.Pipeline,
			ArrayIndex: c.ArrayIndex,
			Values:     values,
		})
	}
	sort.Slice(table.Rows, func(i, j int) bool {
		a, b := table.Rows[i], table.Rows[j]
		if a.SubjectID != b.SubjectID {
			return a.SubjectID < b.SubjectID
		}
		return a.Pipeline < b.Pipeline
	})
	return table, nil
}

// TSV renders the table as tab-delimited text.
func (t *Table) TSV() []byte {
	var buf bytes.Buffer
	buf.WriteString("Subject\tPipeline")
	for _, g := range t.Genes {
		buf.WriteByte('\t')
		buf.WriteString(g)
	}
	buf.WriteByte('\n')
	for _, r := range t.Rows {
		buf.WriteString(r.SubjectID)
		buf.WriteByte('\t')
		buf.WriteString(r.Pipeline)
		for _, v := range r.Values {
			buf.WriteByte('\t')
			buf.WriteString(v)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ErrTooLargeForXLSX is returned by Table.XLSX when the table exceeds the
// sheet limits of the format.
var ErrTooLargeForXLSX = errors.New("table exceeds xlsx sheet limits")

// XLSX renders the table as a single-sheet workbook.
func (t *Table) XLSX() ([]byte, error) {
	if cols := len(t.Genes) + 2; cols > excelize.MaxColumns {
		return nil, fmt.Errorf("%w: %d columns, max %d", ErrTooLargeForXLSX, cols, excelize.MaxColumns)
	}
	if rows := len(t.Rows) + 1; rows > excelize.TotalRows {
		return nil, fmt.Errorf("%w: %d rows, max %d", ErrTooLargeForXLSX, rows, excelize.TotalRows)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if index, _ := f.GetSheetIndex(sheetName); index == -1 {
		if _, err := f.NewSheet(sheetName); err != nil {
			return nil, fmt.Errorf("new sheet: %w", err)
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheetName)
	f.SetActiveSheet(activeIndex)
	_ = f.DeleteSheet("Sheet1")

	set := func(col, row int, v string) error {
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		return f.SetCellValue(sheetName, cell, v)
	}

	header := append([]string{"Subject", "Pipeline"}, t.Genes...)
	for i, h := range header {
		if err := set(i+1, 1, h); err != nil {
			return nil, fmt.Errorf("xlsx header: %w", err)
		}
	}
	for r, row := range t.Rows {
		line := r + 2
		if err := set(1, line, row.SubjectID); err != nil {
			return nil, fmt.Errorf("xlsx row %d: %w", line, err)
		}
		if err := set(2, line, row.Pipeline); err != nil {
			return nil, fmt.Errorf("xlsx row %d: %w", line, err)
		}
		for i, v := range row.Values {
			if v == "" {
				continue
			}
			if err := set(i+3, line, v); err != nil {
				return nil, fmt.Errorf("xlsx row %d: %w", line, err)
			}
		}
	}
	_ = f.SetColWidth(sheetName, "A", "B", 18)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
