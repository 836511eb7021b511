package genestore

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/genomatrix/pkg/faults"
)

// Tx is a gene store transaction. A Tx opened with BeginLocked holds the
// annotation version write lock until Commit or Rollback.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
	annot   string
	release func()
	once    sync.Once
	log     *zap.Logger
}

// BeginLocked starts a transaction that owns the column-index space of
// annotVersion.
//
// The in-process write lock serializes writers sharing this Store. On
// PostgreSQL a transaction-scoped advisory lock extends the guarantee to
// every process sharing the database. Both are held until the Tx ends.
func (s *Store) BeginLocked(ctx context.Context, annotVersion string) (*Tx, error) {
	if annotVersion == "" {
		return nil, faults.ErrInvalidRequest
	}
	unlock := s.locks.Lock(annotVersion)

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		unlock()
		return nil, faults.Persistence("begin tx", err)
	}

	tx := &Tx{tx: sqlTx, dialect: s.dialect, annot: annotVersion, release: unlock, log: s.log}

	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext(?))`, annotVersion); err != nil {
			_ = tx.Rollback()
			return nil, faults.Persistence("advisory lock", err)
		}
	}

	s.log.Debug("annotation lock acquired", zap.String("annot_version", annotVersion))
	return tx, nil
}

// RLockAnnotation takes the read side of the annotation version lock for
// readers that must not overlap a finalize or unfinalize.
func (s *Store) RLockAnnotation(annotVersion string) func() {
	return s.locks.RLock(annotVersion)
}

// AnnotVersion returns the annotation version locked by this Tx.
func (t *Tx) AnnotVersion() string {
	return t.annot
}

// Commit commits the transaction and releases the annotation lock.
func (t *Tx) Commit() error {
	if t == nil || t.tx == nil {
		return errors.New("tx is nil")
	}
	defer t.done()
	if err := t.tx.Commit(); err != nil {
		return faults.Persistence("commit", err)
	}
	return nil
}

// Rollback aborts the transaction and releases the annotation lock. It is
// safe to call after Commit.
func (t *Tx) Rollback() error {
	if t == nil || t.tx == nil {
		return nil
	}
	defer t.done()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return faults.Persistence("rollback", err)
	}
	return nil
}

func (t *Tx) done() {
	t.once.Do(func() {
		if t.release != nil {
			t.release()
		}
		if t.log != nil {
			t.log.Debug("annotation lock released", zap.String("annot_version", t.annot))
		}
	})
}

// ExecContext implements Querier.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
}

// QueryContext implements Querier.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

// QueryRowContext implements Querier.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}
