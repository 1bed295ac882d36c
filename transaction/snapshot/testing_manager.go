package snapshot

import (
	"mvtx/transaction/txid"
	"mvtx/transaction/txstatus"
)

// TestingNewManager builds a manager with a given live set and
// latestCompletedTxID, for fixtures.
func TestingNewManager(xip []txid.TxID, lcTxID txid.TxID) (*Manager, *txstatus.Manager) {
	sm := txstatus.NewManager()
	m := NewManager(txid.NewManager(), sm)
	for _, id := range xip {
		m.AddInProgressTxID(id)
	}
	m.latestCompletedTxID = lcTxID
	return m, sm
}

// TestingNewSnapshot builds a snapshot directly from its parts
func TestingNewSnapshot(xmin, xmax txid.TxID, xip []txid.TxID) *Snapshot {
	m := make(map[txid.TxID]struct{}, len(xip))
	for _, id := range xip {
		m[id] = struct{}{}
	}
	return newSnapshot(xmin, xmax, m)
}
