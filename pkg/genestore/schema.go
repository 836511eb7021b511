package genestore

import (
	"context"
	"fmt"
	"strings"

	"github.com/3leaps/genomatrix/pkg/jobstatus"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the gene store schema in-place and seeds the
// job status reference table.
//
// Tables:
//   - job_status: persisted status codes and their display names
//   - annotation_versions, studies, subjects: clinical reference data
//   - jobs: pipeline job metadata and lifecycle status
//   - gene_rows: known gene symbols per annotation version
//   - gene_cells: the dense value store, one row per (gene, array_index)
//   - finalized_outputs: array_index allocations, one per finalized subject
func Migrate(ctx context.Context, s *Store) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("store is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS job_status (
			code INTEGER PRIMARY KEY,
			name TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS annotation_versions (
			annot_version TEXT PRIMARY KEY,
			description TEXT,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS studies (
			study_id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			annot_version TEXT NOT NULL,
			finalized INTEGER NOT NULL DEFAULT 0,
			export_path TEXT,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(annot_version) REFERENCES annotation_versions(annot_version)
		);`,

		`CREATE TABLE IF NOT EXISTS subjects (
			subject_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY(subject_id, group_id)
		);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			study_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			status INTEGER NOT NULL,
			submitted_at TEXT NOT NULL,
			output_path TEXT,
			report_path TEXT,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(study_id) REFERENCES studies(study_id),
			FOREIGN KEY(status) REFERENCES job_status(code)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_study_status ON jobs(study_id, status);`,

		`CREATE TABLE IF NOT EXISTS gene_rows (
			annot_version TEXT NOT NULL,
			gene_symbol TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(annot_version, gene_symbol),
			FOREIGN KEY(annot_version) REFERENCES annotation_versions(annot_version)
		);`,

		`CREATE TABLE IF NOT EXISTS gene_cells (
			annot_version TEXT NOT NULL,
			gene_symbol TEXT NOT NULL,
			array_index INTEGER NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY(annot_version, gene_symbol, array_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_gene_cells_index ON gene_cells(annot_version, array_index);`,

		// job_id is not a foreign key: voided rows carry the sentinel "0".
		`CREATE TABLE IF NOT EXISTS finalized_outputs (
			annot_version TEXT NOT NULL,
			array_index INTEGER NOT NULL,
			job_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(annot_version, array_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_finalized_outputs_job ON finalized_outputs(job_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: studies carry the path of their latest summary report.
	if current < 2 {
		alter := `ALTER TABLE studies ADD COLUMN report_path TEXT;`
		if s.dialect == DialectPostgres {
			alter = `ALTER TABLE studies ADD COLUMN IF NOT EXISTS report_path TEXT;`
		}
		if _, err := tx.ExecContext(ctx, alter); err != nil {
			msg := err.Error()
			// SQLite/libsql/postgres report duplicate columns as an error; treat as idempotent.
			if !strings.Contains(msg, "duplicate column name") && !strings.Contains(msg, "already exists") {
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	for code, name := range jobstatus.Defaults {
		if _, err := tx.ExecContext(ctx,
			rebind(s.dialect, `INSERT INTO job_status (code, name) VALUES (?, ?) ON CONFLICT(code) DO NOTHING`),
			int(code), name); err != nil {
			return fmt.Errorf("seed job_status: %w", err)
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, rebind(s.dialect, `UPDATE schema_meta SET schema_version=? WHERE id=1`), SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// LoadStatusNames reads the job_status reference table. It lets a Store
// back a jobstatus.Registry.
func (s *Store) LoadStatusNames(ctx context.Context) (map[jobstatus.Status]string, error) {
	rows, err := s.QueryContext(ctx, `SELECT code, name FROM job_status`)
	if err != nil {
		return nil, fmt.Errorf("query job_status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[jobstatus.Status]string)
	for rows.Next() {
		var code int
		var name string
		if err := rows.Scan(&code, &name); err != nil {
			return nil, fmt.Errorf("scan job_status: %w", err)
		}
		out[jobstatus.Status(code)] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job_status: %w", err)
	}
	return out, nil
}
