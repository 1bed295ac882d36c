package ssi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvtx/common"
	"mvtx/transaction/snapshot"
	"mvtx/transaction/txid"
)

// registerConcurrent enrolls ids with snapshots under which all of them
// are mutually in progress
func registerConcurrent(m *Manager, ids ...txid.TxID) {
	xmin := ids[0]
	xmax := ids[len(ids)-1].Next()
	for _, id := range ids {
		m.Register(id, snapshot.TestingNewSnapshot(xmin, xmax, ids))
	}
}

func TestUnregisteredTransactionIsNoOp(t *testing.T) {
	m := NewManager(64, nil)
	rel := common.Relation(1)

	m.RecordRead(99, Keys(rel, "a"))
	assert.Nil(t, m.RecordWriteConflicts(99, rel, "a"))
	assert.Nil(t, m.CheckCommit(99))
	assert.False(t, m.Registered(99))
}

func TestWriteSkewPivot(t *testing.T) {
	// the classic write skew: each transaction reads the row the other
	// one writes. both directions produce an rw edge, so whichever
	// commits first is a pivot in a 2-cycle.
	m := NewManager(64, nil)
	rel := common.Relation(1)
	registerConcurrent(m, 10, 11)

	m.RecordRead(10, Keys(rel, "a"))
	m.RecordRead(11, Keys(rel, "b"))

	readers := m.RecordWriteConflicts(10, rel, "b")
	assert.Equal(t, []txid.TxID{11}, readers)
	readers = m.RecordWriteConflicts(11, rel, "a")
	assert.Equal(t, []txid.TxID{10}, readers)

	require.ErrorIs(t, m.CheckCommit(10), ErrDangerousStructure)

	// the pivot aborts; with its reads gone the survivor commits clean
	m.Abort(10)
	require.Nil(t, m.CheckCommit(11))
	m.Commit(11)
	assert.False(t, m.Registered(10))
}

func TestPivotWithDistinctNeighbors(t *testing.T) {
	// T10 -> T11 -> T12 with T10 and T12 concurrent: T11 is the pivot
	m := NewManager(64, nil)
	rel := common.Relation(1)
	registerConcurrent(m, 10, 11, 12)

	// in-edge: T10 read the row T11 writes
	m.RecordRead(10, Keys(rel, "x"))
	m.RecordWriteConflicts(11, rel, "x")
	// out-edge: T11 read the row T12 writes
	m.RecordRead(11, Keys(rel, "y"))
	m.RecordWriteConflicts(12, rel, "y")

	require.ErrorIs(t, m.CheckCommit(11), ErrDangerousStructure)

	// the neighbors themselves have only one edge each and may commit
	require.Nil(t, m.CheckCommit(10))
	require.Nil(t, m.CheckCommit(12))
}

func TestNonConcurrentNeighborsAreSafe(t *testing.T) {
	// same shape as the pivot case but the in-neighbor committed before
	// the out-neighbor began, so a serial order exists
	m := NewManager(64, nil)
	rel := common.Relation(1)

	// 10 and 11 overlap; 12 starts after 10 completed
	m.Register(10, snapshot.TestingNewSnapshot(10, 12, []txid.TxID{10, 11}))
	m.Register(11, snapshot.TestingNewSnapshot(10, 12, []txid.TxID{10, 11}))
	m.Register(12, snapshot.TestingNewSnapshot(11, 12, []txid.TxID{11}))

	m.RecordRead(10, Keys(rel, "x"))
	m.RecordWriteConflicts(11, rel, "x")
	m.RecordRead(11, Keys(rel, "y"))
	m.RecordWriteConflicts(12, rel, "y")

	require.Nil(t, m.CheckCommit(11))
}

func TestReadAfterWriteDiscoversEdge(t *testing.T) {
	// edge discovery must not depend on operation order: the write lands
	// first, the overlapping read still produces the edge
	m := NewManager(64, nil)
	rel := common.Relation(1)
	registerConcurrent(m, 10, 11)

	assert.Empty(t, m.RecordWriteConflicts(11, rel, "a"))
	m.RecordRead(10, KeyRange(rel, "a", "c"))
	m.RecordRead(11, Keys(rel, "z"))
	m.RecordWriteConflicts(10, rel, "z")

	require.ErrorIs(t, m.CheckCommit(10), ErrDangerousStructure)
}

func TestCoarsening(t *testing.T) {
	m := NewManager(2, nil)
	rel := common.Relation(1)
	registerConcurrent(m, 10, 11)

	m.RecordRead(10, Keys(rel, "a"))
	m.RecordRead(10, Keys(rel, "b"))
	assert.Equal(t, int64(0), m.Coarsenings())
	m.RecordRead(10, Keys(rel, "c"))
	assert.Equal(t, int64(1), m.Coarsenings())

	// after coarsening the whole relation is covered, so a write far from
	// any read key still conflicts (false positive, never a miss)
	readers := m.RecordWriteConflicts(11, rel, "unrelated")
	assert.Equal(t, []txid.TxID{10}, readers)

	t.Run("further reads fold into the coarse predicate", func(t *testing.T) {
		m.RecordRead(10, Keys(rel, "d"))
		assert.Equal(t, int64(1), m.Coarsenings())
		readers := m.RecordWriteConflicts(11, rel, "d")
		assert.Equal(t, []txid.TxID{10}, readers)
	})
}

func TestCommittedRecordsSweptWhenNoConcurrentRemains(t *testing.T) {
	m := NewManager(64, nil)
	rel := common.Relation(1)
	registerConcurrent(m, 10, 11)

	m.RecordRead(10, Keys(rel, "a"))
	m.Commit(10)
	// 11 is still active and concurrent with 10, so 10's SIREADs must
	// survive the commit
	assert.True(t, m.Registered(10))

	m.Commit(11)
	assert.False(t, m.Registered(10))
	assert.False(t, m.Registered(11))
}

func TestAbortDropsEdgesImmediately(t *testing.T) {
	m := NewManager(64, nil)
	rel := common.Relation(1)
	registerConcurrent(m, 10, 11, 12)

	m.RecordRead(10, Keys(rel, "x"))
	m.RecordWriteConflicts(11, rel, "x")
	m.RecordRead(11, Keys(rel, "y"))
	m.RecordWriteConflicts(12, rel, "y")
	require.ErrorIs(t, m.CheckCommit(11), ErrDangerousStructure)

	// the in-neighbor rolls back; the structure is gone
	m.Abort(10)
	require.Nil(t, m.CheckCommit(11))
}
