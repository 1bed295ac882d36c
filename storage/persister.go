/*
Storage persists committed row versions.

The engine calls the persister once per commit, after the serialization
checks have passed and before the commit becomes visible. A persist
failure is a fatal commit failure: the transaction aborts and the error
surfaces as internal, never as a retryable conflict.

The in-memory persister is the default; it keeps an append-only log of
commit records, which is also what the engine tests inspect to assert
durability ordering.
*/
package storage

import (
	"sync"

	"mvtx/common"
	"mvtx/transaction/txid"
)

// Record is one persisted row version
type Record struct {
	Row  common.RowID
	Data []byte
	// Deleted marks a delete record; Data is empty
	Deleted bool
}

// Persister writes a transaction's effects at commit time
type Persister interface {
	// PersistCommit durably records the transaction's writes. an error
	// fails the commit.
	PersistCommit(id txid.TxID, records []Record) error
}

// CommitEntry is one committed transaction in the in-memory log
type CommitEntry struct {
	TxID    txid.TxID
	Records []Record
}

// MemPersister is the in-memory persister
type MemPersister struct {
	mu  sync.Mutex
	log []CommitEntry
}

// NewMemPersister initializes an empty in-memory persister
func NewMemPersister() *MemPersister {
	return &MemPersister{}
}

// PersistCommit appends the transaction's records to the log
func (p *MemPersister) PersistCommit(id txid.TxID, records []Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, CommitEntry{TxID: id, Records: records})
	return nil
}

// Log returns a copy of the commit log in commit order
func (p *MemPersister) Log() []CommitEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CommitEntry, len(p.log))
	copy(out, p.log)
	return out
}
