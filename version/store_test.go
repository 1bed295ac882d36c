package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mvtx/common"
	"mvtx/transaction/snapshot"
	"mvtx/transaction/txid"
	"mvtx/transaction/txstatus"
)

func newTestStore(t *testing.T) (*Store, *snapshot.Manager, *txstatus.Manager) {
	t.Helper()
	sm := txstatus.NewManager()
	snapm := snapshot.NewManager(txid.NewManager(), sm)
	return NewStore(snapm, sm, nil), snapm, sm
}

func TestReadWrite(t *testing.T) {
	s, snapm, sm := newTestStore(t)
	row := common.NewRowID(1, "a")

	writer := txid.TxID(10)
	snapm.AddInProgressTxID(writer)
	_, err := s.Write(row, []byte("v1"), writer)
	require.Nil(t, err)

	t.Run("own write is visible before commit", func(t *testing.T) {
		snap := snapm.TakeSnapshot()
		v, err := s.Read(row, snap, writer)
		require.Nil(t, err)
		assert.Equal(t, []byte("v1"), v.Data())
	})
	t.Run("uncommitted write is invisible to others", func(t *testing.T) {
		snap := snapm.TakeSnapshot()
		_, err := s.Read(row, snap, txid.TxID(11))
		assert.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("committed write is visible to later snapshots", func(t *testing.T) {
		require.Nil(t, sm.SetStateCommitted(writer))
		snapm.CompleteTxID(writer)
		snap := snapm.TakeSnapshot()
		v, err := s.Read(row, snap, txid.TxID(11))
		require.Nil(t, err)
		assert.Equal(t, []byte("v1"), v.Data())
	})
	t.Run("snapshot captured before the commit still misses it", func(t *testing.T) {
		old := snapshot.TestingNewSnapshot(10, 9, []txid.TxID{10})
		_, err := s.Read(row, old, txid.TxID(11))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateChainsVersions(t *testing.T) {
	s, snapm, sm := newTestStore(t)
	row := common.NewRowID(1, "a")

	t1 := txid.TxID(10)
	snapm.AddInProgressTxID(t1)
	_, err := s.Write(row, []byte("v1"), t1)
	require.Nil(t, err)
	require.Nil(t, sm.SetStateCommitted(t1))
	snapm.CompleteTxID(t1)

	// reader positioned before the update
	before := snapm.TakeSnapshot()

	t2 := txid.TxID(20)
	snapm.AddInProgressTxID(t2)
	_, err = s.Write(row, []byte("v2"), t2)
	require.Nil(t, err)
	require.Nil(t, sm.SetStateCommitted(t2))
	snapm.CompleteTxID(t2)

	after := snapm.TakeSnapshot()

	t.Run("old snapshot keeps the old version", func(t *testing.T) {
		v, err := s.Read(row, before, txid.TxID(30))
		require.Nil(t, err)
		assert.Equal(t, []byte("v1"), v.Data())
	})
	t.Run("new snapshot observes the new version", func(t *testing.T) {
		v, err := s.Read(row, after, txid.TxID(30))
		require.Nil(t, err)
		assert.Equal(t, []byte("v2"), v.Data())
	})
}

func TestDelete(t *testing.T) {
	s, snapm, sm := newTestStore(t)
	row := common.NewRowID(1, "a")

	t.Run("deleting a missing row is NotFound", func(t *testing.T) {
		assert.ErrorIs(t, s.Delete(row, txid.TxID(10)), ErrNotFound)
	})

	t1 := txid.TxID(10)
	snapm.AddInProgressTxID(t1)
	_, err := s.Write(row, []byte("v1"), t1)
	require.Nil(t, err)
	require.Nil(t, sm.SetStateCommitted(t1))
	snapm.CompleteTxID(t1)

	t2 := txid.TxID(20)
	snapm.AddInProgressTxID(t2)
	require.Nil(t, s.Delete(row, t2))
	require.Nil(t, sm.SetStateCommitted(t2))
	snapm.CompleteTxID(t2)

	t.Run("deleted row is gone for later snapshots", func(t *testing.T) {
		snap := snapm.TakeSnapshot()
		_, err := s.Read(row, snap, txid.TxID(30))
		assert.ErrorIs(t, err, ErrNotFound)
	})
	t.Run("aborted deleter leaves the row live", func(t *testing.T) {
		row2 := common.NewRowID(1, "b")
		t3 := txid.TxID(30)
		snapm.AddInProgressTxID(t3)
		_, err := s.Write(row2, []byte("w"), t3)
		require.Nil(t, err)
		require.Nil(t, sm.SetStateCommitted(t3))
		snapm.CompleteTxID(t3)

		t4 := txid.TxID(40)
		snapm.AddInProgressTxID(t4)
		require.Nil(t, s.Delete(row2, t4))
		require.Nil(t, sm.SetStateAborted(t4))
		snapm.CompleteTxID(t4)

		snap := snapm.TakeSnapshot()
		v, err := s.Read(row2, snap, txid.TxID(50))
		require.Nil(t, err)
		assert.Equal(t, []byte("w"), v.Data())
	})
}

func TestNewest(t *testing.T) {
	s, snapm, sm := newTestStore(t)
	row := common.NewRowID(1, "a")

	t.Run("missing row", func(t *testing.T) {
		_, _, ok := s.Newest(row)
		assert.False(t, ok)
	})

	t1 := txid.TxID(10)
	snapm.AddInProgressTxID(t1)
	_, err := s.Write(row, []byte("v1"), t1)
	require.Nil(t, err)
	require.Nil(t, sm.SetStateCommitted(t1))
	snapm.CompleteTxID(t1)

	t.Run("returns the stamps of the newest live version", func(t *testing.T) {
		xmin, xmax, ok := s.Newest(row)
		require.True(t, ok)
		assert.Equal(t, t1, xmin)
		assert.Equal(t, txid.InvalidTxID, xmax)
	})
	t.Run("deleter stamp is reported", func(t *testing.T) {
		t2 := txid.TxID(20)
		snapm.AddInProgressTxID(t2)
		require.Nil(t, s.Delete(row, t2))
		_, xmax, ok := s.Newest(row)
		require.True(t, ok)
		assert.Equal(t, t2, xmax)
		require.Nil(t, sm.SetStateAborted(t2))
		snapm.CompleteTxID(t2)
	})
	t.Run("aborted creator is skipped", func(t *testing.T) {
		t3 := txid.TxID(30)
		snapm.AddInProgressTxID(t3)
		_, err := s.Write(row, []byte("junk"), t3)
		require.Nil(t, err)
		require.Nil(t, sm.SetStateAborted(t3))
		snapm.CompleteTxID(t3)

		xmin, _, ok := s.Newest(row)
		require.True(t, ok)
		assert.Equal(t, t1, xmin)
	})
}

func TestScan(t *testing.T) {
	s, snapm, sm := newTestStore(t)
	rel := common.Relation(1)

	writer := txid.TxID(10)
	snapm.AddInProgressTxID(writer)
	for _, k := range []string{"d", "a", "c", "b"} {
		_, err := s.Write(common.NewRowID(rel, k), []byte("v-"+k), writer)
		require.Nil(t, err)
	}
	// a row of another relation must never leak into the scan
	_, err := s.Write(common.NewRowID(2, "b"), []byte("other"), writer)
	require.Nil(t, err)
	require.Nil(t, sm.SetStateCommitted(writer))
	snapm.CompleteTxID(writer)

	snap := snapm.TakeSnapshot()
	results := s.Scan(rel, "a", "c", snap, txid.TxID(20))
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Row.Key)
	assert.Equal(t, "b", results[1].Row.Key)
	assert.Equal(t, "c", results[2].Row.Key)
	assert.Equal(t, []byte("v-b"), results[1].Version.Data())

	t.Run("invisible rows are skipped", func(t *testing.T) {
		t2 := txid.TxID(20)
		snapm.AddInProgressTxID(t2)
		_, err := s.Write(common.NewRowID(rel, "bb"), []byte("new"), t2)
		require.Nil(t, err)
		// snapshot predates the write
		assert.Len(t, s.Scan(rel, "a", "c", snap, txid.TxID(30)), 3)
	})
}

func TestVacuum(t *testing.T) {
	s, snapm, sm := newTestStore(t)
	row := common.NewRowID(1, "a")

	// v1 superseded by v2, both committers long done
	t1, t2 := txid.TxID(10), txid.TxID(20)
	for _, id := range []txid.TxID{t1, t2} {
		snapm.AddInProgressTxID(id)
	}
	_, err := s.Write(row, []byte("v1"), t1)
	require.Nil(t, err)
	require.Nil(t, sm.SetStateCommitted(t1))
	snapm.CompleteTxID(t1)
	_, err = s.Write(row, []byte("v2"), t2)
	require.Nil(t, err)
	require.Nil(t, sm.SetStateCommitted(t2))
	snapm.CompleteTxID(t2)

	// aborted insert on another row
	row2 := common.NewRowID(1, "b")
	t3 := txid.TxID(30)
	snapm.AddInProgressTxID(t3)
	_, err = s.Write(row2, []byte("junk"), t3)
	require.Nil(t, err)
	require.Nil(t, sm.SetStateAborted(t3))
	snapm.CompleteTxID(t3)

	horizon := snapm.Horizon()
	removed := s.Vacuum(horizon, 128)
	assert.Equal(t, 2, removed)
	assert.Equal(t, int64(2), s.Reclaimed())

	t.Run("live version survives", func(t *testing.T) {
		snap := snapm.TakeSnapshot()
		v, err := s.Read(row, snap, txid.TxID(40))
		require.Nil(t, err)
		assert.Equal(t, []byte("v2"), v.Data())
	})
	t.Run("empty chain is dropped", func(t *testing.T) {
		_, ok := s.getChain(row2)
		assert.False(t, ok)
	})
	t.Run("version protected by an old snapshot is kept", func(t *testing.T) {
		row3 := common.NewRowID(1, "c")
		t4 := txid.TxID(40)
		snapm.AddInProgressTxID(t4)
		_, err := s.Write(row3, []byte("x"), t4)
		require.Nil(t, err)
		require.Nil(t, sm.SetStateCommitted(t4))
		snapm.CompleteTxID(t4)

		// a reader begins here and holds its snapshot
		reader := txid.TxID(50)
		snapm.AddInProgressTxID(reader)
		readerSnap := snapm.TakeSnapshot()
		snapm.AddInProgressTxSnapshot(reader, readerSnap)

		// the row is deleted after the reader's snapshot
		t5 := txid.TxID(60)
		snapm.AddInProgressTxID(t5)
		require.Nil(t, s.Delete(row3, t5))
		require.Nil(t, sm.SetStateCommitted(t5))
		snapm.CompleteTxID(t5)

		s.Vacuum(snapm.Horizon(), 128)
		v, err := s.Read(row3, readerSnap, reader)
		require.Nil(t, err)
		assert.Equal(t, []byte("x"), v.Data())
	})
}
