package genestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/genomatrix/pkg/faults"
)

// Study is the unit of finalization and export.
type Study struct {
	StudyID      string
	GroupID      string
	AnnotVersion string
	Finalized    bool
	ExportPath   string
	ReportPath   string
	UpdatedAt    time.Time
}

// Subject is a clinical subject registered under a group.
type Subject struct {
	SubjectID string
	GroupID   string
	Metadata  string
}

// UpsertAnnotationVersion registers an annotation version. Existing versions
// are left untouched.
func UpsertAnnotationVersion(ctx context.Context, q Querier, annotVersion, description string) error {
	if strings.TrimSpace(annotVersion) == "" {
		return fmt.Errorf("%w: annotation version is required", faults.ErrInvalidRequest)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO annotation_versions (annot_version, description, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(annot_version) DO NOTHING`,
		annotVersion, description, formatTime(nowUTC()))
	if err != nil {
		return faults.Persistence("upsert annotation version", err)
	}
	return nil
}

// UpsertStudy creates or updates the group and annotation version of a
// study. The finalized flag and artifact paths are preserved.
func UpsertStudy(ctx context.Context, q Querier, studyID, groupID, annotVersion string) error {
	if studyID == "" || groupID == "" || annotVersion == "" {
		return fmt.Errorf("%w: study, group and annotation version are required", faults.ErrInvalidRequest)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO studies (study_id, group_id, annot_version, finalized, updated_at)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT(study_id) DO UPDATE SET
		   group_id = excluded.group_id,
		   annot_version = excluded.annot_version,
		   updated_at = excluded.updated_at`,
		studyID, groupID, annotVersion, formatTime(nowUTC()))
	if err != nil {
		return faults.Persistence("upsert study", err)
	}
	return nil
}

// GetStudy retrieves a study by id.
func GetStudy(ctx context.Context, q Querier, studyID string) (*Study, error) {
	var (
		st         Study
		finalized  int
		exportPath sql.NullString
		reportPath sql.NullString
		updated    string
	)
	err := q.QueryRowContext(ctx,
		`SELECT study_id, group_id, annot_version, finalized, export_path, report_path, updated_at
		 FROM studies WHERE study_id = ?`, studyID).
		Scan(&st.StudyID, &st.GroupID, &st.AnnotVersion, &finalized, &exportPath, &reportPath, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("study %s: %w", studyID, faults.ErrNotFound)
	}
	if err != nil {
		return nil, faults.Persistence("get study", err)
	}
	st.Finalized = finalized != 0
	st.ExportPath = exportPath.String
	st.ReportPath = reportPath.String
	if st.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &st, nil
}

// SetStudyFinalized sets the finalized flag of a study.
func SetStudyFinalized(ctx context.Context, q Querier, studyID string, finalized bool) error {
	flag := 0
	if finalized {
		flag = 1
	}
	return updateStudy(ctx, q, "set study finalized", "finalized", studyID, flag)
}

// SetStudyExportPath records the location of the latest consolidated export.
func SetStudyExportPath(ctx context.Context, q Querier, studyID, location string) error {
	return updateStudy(ctx, q, "set study export path", "export_path", studyID, location)
}

// SetStudyReportPath records the location of the latest summary report.
func SetStudyReportPath(ctx context.Context, q Querier, studyID, location string) error {
	return updateStudy(ctx, q, "set study report path", "report_path", studyID, location)
}

func updateStudy(ctx context.Context, q Querier, op, column, studyID string, value any) error {
	res, err := q.ExecContext(ctx,
		`UPDATE studies SET `+column+` = ?, updated_at = ? WHERE study_id = ?`,
		value, formatTime(nowUTC()), studyID)
	if err != nil {
		return faults.Persistence(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("study %s: %w", studyID, faults.ErrNotFound)
	}
	return nil
}

// UpsertSubject registers a subject under a group.
func UpsertSubject(ctx context.Context, q Querier, s Subject) error {
	if s.SubjectID == "" || s.GroupID == "" {
		return fmt.Errorf("%w: subject and group are required", faults.ErrInvalidRequest)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO subjects (subject_id, group_id, metadata, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(subject_id, group_id) DO UPDATE SET metadata = excluded.metadata`,
		s.SubjectID, s.GroupID, s.Metadata, formatTime(nowUTC()))
	if err != nil {
		return faults.Persistence("upsert subject", err)
	}
	return nil
}

// SubjectExists reports whether subjectID is registered under groupID.
func SubjectExists(ctx context.Context, q Querier, subjectID, groupID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM subjects WHERE subject_id = ? AND group_id = ?`,
		subjectID, groupID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, faults.Persistence("subject exists", err)
	}
	return true, nil
}

// UpsertGeneSymbols registers gene rows for an annotation version and
// returns how many were new.
func UpsertGeneSymbols(ctx context.Context, q Querier, annotVersion string, symbols []string) (int64, error) {
	var inserted int64
	now := formatTime(nowUTC())
	for _, sym := range symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		res, err := q.ExecContext(ctx,
			`INSERT INTO gene_rows (annot_version, gene_symbol, created_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(annot_version, gene_symbol) DO NOTHING`,
			annotVersion, sym, now)
		if err != nil {
			return inserted, faults.Persistence("upsert gene row", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	return inserted, nil
}

// GeneExists reports whether a gene row exists for the annotation version.
func GeneExists(ctx context.Context, q Querier, annotVersion, symbol string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM gene_rows WHERE annot_version = ? AND gene_symbol = ?`,
		annotVersion, symbol).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, faults.Persistence("gene exists", err)
	}
	return true, nil
}

// GeneSet loads every gene symbol of an annotation version into a set.
func GeneSet(ctx context.Context, q Querier, annotVersion string) (map[string]struct{}, error) {
	symbols, err := ListGeneSymbols(ctx, q, annotVersion)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return set, nil
}

// ListGeneSymbols returns the gene symbols of an annotation version in
// ascending order.
//
// Sorting happens in Go so both backends agree on byte order regardless of
// database collation.
func ListGeneSymbols(ctx context.Context, q Querier, annotVersion string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT gene_symbol FROM gene_rows WHERE annot_version = ?`, annotVersion)
	if err != nil {
		return nil, faults.Persistence("list gene symbols", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, faults.Persistence("scan gene symbol", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Persistence("list gene symbols", err)
	}
	sort.Strings(out)
	return out, nil
}
