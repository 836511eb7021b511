package genestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/genomatrix/pkg/faults"
)

func TestNextIndexEmpty(t *testing.T) {
	idx, err := NextIndex(context.Background(), newTestStore(t), "hg38")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestAllocateColumnSequential(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedStudy(t, s, "study-1", "grp", "hg38", []string{"TP53"}, "S1", "S2", "S3")

	tx, err := s.BeginLocked(ctx, "hg38")
	require.NoError(t, err)
	for i, subj := range []string{"S1", "S2", "S3"} {
		idx, err := AllocateColumn(ctx, tx, "job-1", subj, "grp")
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	require.NoError(t, tx.Commit())

	next, err := NextIndex(ctx, s, "hg38")
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	// Partitions are independent.
	other, err := NextIndex(ctx, s, "hg19")
	require.NoError(t, err)
	assert.Equal(t, 0, other)

	recs, err := ListOutputRecords(ctx, s, "hg38")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "S2", recs[1].SubjectID)
	assert.False(t, recs[1].Voided())
}

func TestInsertOutputRecordDuplicateIsAllocationRace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := OutputRecord{AnnotVersion: "hg38", ArrayIndex: 4, JobID: "j", SubjectID: "S1", GroupID: "g"}
	require.NoError(t, InsertOutputRecord(ctx, s, rec))

	err := InsertOutputRecord(ctx, s, rec)
	require.Error(t, err)
	assert.True(t, faults.IsAllocationRace(err))
	assert.Equal(t, "ALLOCATION_RACE", faults.Code(err))
}

func TestAllocateColumnRequiresLockedTx(t *testing.T) {
	_, err := AllocateColumn(context.Background(), nil, "j", "S1", "g")
	assert.ErrorIs(t, err, faults.ErrNotLocked)
}

func TestBeginLockedRejectsEmptyVersion(t *testing.T) {
	_, err := newTestStore(t).BeginLocked(context.Background(), "")
	assert.ErrorIs(t, err, faults.ErrInvalidRequest)
}

func TestRollbackDiscardsAllocation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.BeginLocked(ctx, "hg38")
	require.NoError(t, err)
	_, err = AllocateColumn(ctx, tx, "job-1", "S1", "grp")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	// Second rollback is a no-op.
	require.NoError(t, tx.Rollback())

	n, err := CountOutputRecords(ctx, s, "hg38")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, s.locks.size())
}

func TestConcurrentAllocationsNeverCollide(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			tx, err := s.BeginLocked(ctx, "hg38")
			if err != nil {
				errs <- err
				return
			}
			defer func() { _ = tx.Rollback() }()
			for i := 0; i < 3; i++ {
				if _, err := AllocateColumn(ctx, tx, "job", "S", "g"); err != nil {
					errs <- err
					return
				}
			}
			errs <- tx.Commit()
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	recs, err := ListOutputRecords(ctx, s, "hg38")
	require.NoError(t, err)
	require.Len(t, recs, workers*3)
	for i, r := range recs {
		assert.Equal(t, i, r.ArrayIndex)
	}
}

func TestReadLockWaitsForWriter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.BeginLocked(ctx, "hg38")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		unlock := s.RLockAnnotation("hg38")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("read lock acquired while writer active")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tx.Commit())
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("read lock not acquired after commit")
	}

	// A different version is never blocked.
	tx, err = s.BeginLocked(ctx, "hg38")
	require.NoError(t, err)
	unlock := s.RLockAnnotation("hg19")
	unlock()
	require.NoError(t, tx.Rollback())
}
