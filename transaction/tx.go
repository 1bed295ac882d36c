package transaction

import (
	"sync"

	"github.com/pkg/errors"

	"mvtx/storage"
	"mvtx/transaction/snapshot"
	"mvtx/transaction/txid"
)

// ErrTxNotActive is returned when a data operation or commit reaches a
// transaction that is no longer active
var ErrTxNotActive = errors.New("transaction is not active")

// ErrTxCommitted is returned when Abort reaches an already committed
// transaction. the reverse direction (double Abort) is a no-op instead.
var ErrTxCommitted = errors.New("transaction already committed")

// ErrReadOnlyTx is returned when a write reaches a read-only transaction
var ErrReadOnlyTx = errors.New("write in read-only transaction")

// Tx is one transaction. a Tx is owned by one goroutine at a time; the
// internal mutex protects the manager's bookkeeping, not concurrent use
// of the same Tx by the caller.
type Tx struct {
	id       txid.TxID
	level    IsolationLevel
	readOnly bool

	mu    sync.Mutex
	state State
	// snap is the current snapshot: captured once at the first data
	// access (Repeatable Read / Serializable) or refreshed per statement
	// (Read Committed). nil until the first data access.
	snap *snapshot.Snapshot
	// writes accumulates the records handed to the persister at commit
	writes []storage.Record
}

// ID returns the transaction id
func (tx *Tx) ID() txid.TxID {
	return tx.id
}

// Level returns the isolation level
func (tx *Tx) Level() IsolationLevel {
	return tx.level
}

// ReadOnly reports whether the transaction was begun read-only
func (tx *Tx) ReadOnly() bool {
	return tx.readOnly
}

// State returns the lifecycle state
func (tx *Tx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// checkActive rejects operations on a non-active transaction.
// callers must hold tx.mu.
func (tx *Tx) checkActive() error {
	if tx.state != StateActive {
		return errors.Wrapf(ErrTxNotActive, "txn %d is %s", tx.id, tx.state)
	}
	return nil
}
