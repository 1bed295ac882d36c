/*
Transaction manager is the engine facade.

It owns every collaborator (id allocation, commit-status log, snapshot
manager, lock manager, predicate lock manager, version store, persister)
and sequences them so the isolation guarantees hold:

  - reads go through a snapshot and never block on writers;
  - writes take the row's exclusive lock first, so write-write conflicts
    resolve by waiting, and the version store never sees a race;
  - at Repeatable Read and Serializable the first committer wins: a
    write to a row modified by a concurrently committed transaction
    fails with a serialization failure instead of proceeding;
  - Serializable additionally tracks SIREAD predicates and runs the
    commit-time dangerous-structure check.

Commit ordering matters: the commit status is recorded before the
transaction leaves the in-progress set, because from that moment new
snapshots consult the status log about this id. Locks and predicate
records are released last, and releasing is idempotent so an abort after
a partial commit is safe.
*/
package transaction

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mvtx/catalog"
	"mvtx/common"
	"mvtx/config"
	"mvtx/storage"
	"mvtx/transaction/lock"
	"mvtx/transaction/snapshot"
	"mvtx/transaction/ssi"
	"mvtx/transaction/txid"
	"mvtx/transaction/txstatus"
	"mvtx/version"
)

// Manager is the transaction engine
type Manager struct {
	cfg    *config.Config
	logger *zap.Logger

	txids      *txid.Manager
	status     *txstatus.Manager
	snapshots  *snapshot.Manager
	locks      *lock.Manager
	predicates *ssi.Manager
	store      *version.Store
	persister  storage.Persister
	tables     *catalog.Catalog

	commits             atomic.Int64
	aborts              atomic.Int64
	serializationAborts atomic.Int64
}

// NewManager initializes the engine with its collaborators. a nil
// persister gets the in-memory one; a nil logger logs nothing.
func NewManager(cfg *config.Config, persister storage.Persister, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	if persister == nil {
		persister = storage.NewMemPersister()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tm := txid.NewManager()
	sm := txstatus.NewManager()
	snaps := snapshot.NewManager(tm, sm)
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		txids:      tm,
		status:     sm,
		snapshots:  snaps,
		locks:      lock.NewManager(cfg.LockWaitTimeout.Duration, cfg.DeadlockDetectionInterval.Duration, logger),
		predicates: ssi.NewManager(cfg.MaxPredicateLocksPerTxn, logger),
		store:      version.NewStore(snaps, sm, logger),
		persister:  persister,
		tables:     catalog.New(),
	}
	return m, nil
}

// BuildLogger constructs a zap logger at the configured level, for
// callers that do not bring their own
func BuildLogger(cfg *config.Config) *zap.Logger {
	lvl, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Close stops the background detector. outstanding transactions are the
// caller's to finish first.
func (m *Manager) Close() {
	m.locks.Close()
}

// DefineTable registers a table name and returns its relation id
func (m *Manager) DefineTable(name string) common.Relation {
	return m.tables.Define(name)
}

// Catalog exposes the table catalog
func (m *Manager) Catalog() *catalog.Catalog {
	return m.tables
}

// Begin starts a transaction. the snapshot is not captured here but at
// the first data access, so Begin itself never constrains what the
// transaction will see.
func (m *Manager) Begin(level IsolationLevel, readOnly bool) *Tx {
	id := m.snapshots.BeginTxID()
	m.logger.Debug("begin transaction",
		zap.Uint32("txn", uint32(id)),
		zap.Stringer("level", level),
		zap.Bool("read_only", readOnly))
	return &Tx{
		id:       id,
		level:    level,
		readOnly: readOnly,
		state:    StateActive,
	}
}

// failOp classifies an operation failure. a deadlock victim is aborted
// on the spot: victim selection is what breaks the cycle, so its locks
// must release at detection time, not whenever the caller reacts. other
// failures (timeout, write conflict) leave the transaction active for
// the caller to decide. callers must hold tx.mu.
func (m *Manager) failOp(tx *Tx, err error) error {
	cerr := classified(err)
	if KindOf(cerr) == KindDeadlockDetected && tx.state == StateActive {
		m.logger.Info("aborting deadlock victim", zap.Uint32("txn", uint32(tx.id)))
		m.finishAbort(tx)
	}
	return cerr
}

// statementSnapshot returns the snapshot the current statement must use,
// capturing or refreshing per the isolation level's cadence.
// callers must hold tx.mu.
func (m *Manager) statementSnapshot(tx *Tx) *snapshot.Snapshot {
	if tx.level.usesTransactionSnapshot() {
		if tx.snap == nil {
			tx.snap = m.snapshots.TakeSnapshot()
			m.snapshots.AddInProgressTxSnapshot(tx.id, tx.snap)
			if tx.level == Serializable {
				m.predicates.Register(tx.id, tx.snap)
			}
		}
		return tx.snap
	}
	// read committed: a fresh snapshot per statement. the registration is
	// replaced so the vacuum horizon follows the newest statement.
	tx.snap = m.snapshots.TakeSnapshot()
	m.snapshots.AddInProgressTxSnapshot(tx.id, tx.snap)
	return tx.snap
}

// Read returns the row's payload as of the transaction's snapshot.
// version.ErrNotFound means no visible version exists, which is a normal
// result. reads never block on writers.
func (m *Manager) Read(ctx context.Context, tx *Tx, row common.RowID) ([]byte, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return nil, classified(err)
	}
	snap := m.statementSnapshot(tx)
	if err := m.locks.Acquire(ctx, tx.id, lock.TableResource(row.Rel), lock.ModeShared); err != nil {
		return nil, m.failOp(tx, err)
	}
	if tx.level == Serializable {
		m.predicates.RecordRead(tx.id, ssi.Keys(row.Rel, row.Key))
	}
	v, err := m.store.Read(row, snap, tx.id)
	if err != nil {
		return nil, err
	}
	return v.Data(), nil
}

// ReadForUpdate reads the row while taking its update-mode lock, so the
// version cannot be superseded before this transaction writes it. at
// Repeatable Read and Serializable the first-committer-wins check runs
// once the lock is held.
func (m *Manager) ReadForUpdate(ctx context.Context, tx *Tx, row common.RowID) ([]byte, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return nil, classified(err)
	}
	if tx.readOnly {
		return nil, classified(errors.Wrapf(ErrReadOnlyTx, "txn %d", tx.id))
	}
	snap := m.statementSnapshot(tx)
	if err := m.locks.Acquire(ctx, tx.id, lock.TableResource(row.Rel), lock.ModeShared); err != nil {
		return nil, m.failOp(tx, err)
	}
	if err := m.locks.Acquire(ctx, tx.id, lock.RowResource(row), lock.ModeUpdate); err != nil {
		return nil, m.failOp(tx, err)
	}
	if tx.level == Serializable {
		m.predicates.RecordRead(tx.id, ssi.Keys(row.Rel, row.Key))
	}
	if tx.level.firstCommitterWins() {
		if err := m.checkWriteConflict(tx, row); err != nil {
			return nil, classified(err)
		}
	}
	v, err := m.store.Read(row, snap, tx.id)
	if err != nil {
		return nil, err
	}
	return v.Data(), nil
}

// ReadRange returns the visible rows of the relation with keys in
// [lo, hi], in key order. at Serializable the whole range becomes one
// SIREAD predicate, so a later insert into the range by a concurrent
// transaction still conflicts.
func (m *Manager) ReadRange(ctx context.Context, tx *Tx, rel common.Relation, lo, hi string) ([]version.ScanResult, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return nil, classified(err)
	}
	snap := m.statementSnapshot(tx)
	if err := m.locks.Acquire(ctx, tx.id, lock.TableResource(rel), lock.ModeShared); err != nil {
		return nil, m.failOp(tx, err)
	}
	if tx.level == Serializable {
		m.predicates.RecordRead(tx.id, ssi.KeyRange(rel, lo, hi))
	}
	return m.store.Scan(rel, lo, hi, snap, tx.id), nil
}

// LockTable takes an explicit table-level lock, stronger than the ones
// data operations take implicitly. AccessExclusive is the mode a schema
// change would hold: it blocks even plain readers until the transaction
// completes.
func (m *Manager) LockTable(ctx context.Context, tx *Tx, rel common.Relation, mode lock.Mode) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkActive(); err != nil {
		return classified(err)
	}
	if err := m.locks.Acquire(ctx, tx.id, lock.TableResource(rel), mode); err != nil {
		return m.failOp(tx, err)
	}
	return nil
}

// Write installs a new version of the row. the row's exclusive lock is
// taken first; a concurrent writer of the same row waits here until this
// transaction completes.
func (m *Manager) Write(ctx context.Context, tx *Tx, row common.RowID, payload []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := m.prepareWrite(ctx, tx, row); err != nil {
		return err
	}
	if _, err := m.store.Write(row, payload, tx.id); err != nil {
		return classified(errors.Wrap(err, "version store write failed"))
	}
	tx.writes = append(tx.writes, storage.Record{Row: row, Data: payload})
	return nil
}

// Delete stamps the row's newest version as deleted by this transaction.
// version.ErrNotFound passes through when no live version exists.
func (m *Manager) Delete(ctx context.Context, tx *Tx, row common.RowID) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := m.prepareWrite(ctx, tx, row); err != nil {
		return err
	}
	if err := m.store.Delete(row, tx.id); err != nil {
		return err
	}
	tx.writes = append(tx.writes, storage.Record{Row: row, Deleted: true})
	return nil
}

// prepareWrite runs the shared front half of Write and Delete: state and
// read-only checks, snapshot cadence, locks, first-committer-wins, SSI
// write bookkeeping. callers must hold tx.mu.
func (m *Manager) prepareWrite(ctx context.Context, tx *Tx, row common.RowID) error {
	if err := tx.checkActive(); err != nil {
		return classified(err)
	}
	if tx.readOnly {
		return classified(errors.Wrapf(ErrReadOnlyTx, "txn %d", tx.id))
	}
	m.statementSnapshot(tx)
	if err := m.locks.Acquire(ctx, tx.id, lock.TableResource(row.Rel), lock.ModeShared); err != nil {
		return m.failOp(tx, err)
	}
	if err := m.locks.Acquire(ctx, tx.id, lock.RowResource(row), lock.ModeExclusive); err != nil {
		return m.failOp(tx, err)
	}
	if tx.level.firstCommitterWins() {
		if err := m.checkWriteConflict(tx, row); err != nil {
			return classified(err)
		}
	}
	if tx.level == Serializable {
		readers := m.predicates.RecordWriteConflicts(tx.id, row.Rel, row.Key)
		if len(readers) > 0 {
			m.logger.Debug("rw-antidependency recorded",
				zap.Uint32("writer", uint32(tx.id)),
				zap.Int("readers", len(readers)))
		}
	}
	return nil
}

// checkWriteConflict is the first-committer-wins rule: if the row's
// newest live version was created or deleted by a transaction that
// committed after this transaction's snapshot, the write must fail.
// the caller holds the row's exclusive or update lock, so the newest
// version is stable while we look. callers must hold tx.mu.
func (m *Manager) checkWriteConflict(tx *Tx, row common.RowID) error {
	xmin, xmax, ok := m.store.Newest(row)
	if !ok {
		return nil
	}
	conflicts := func(id txid.TxID) bool {
		return !id.IsEqual(tx.id) && m.status.IsCommitted(id) && tx.snap.IsInProgress(id)
	}
	if conflicts(xmin) {
		return errors.Wrapf(ErrWriteConflict, "row %s version by txn %d", row, xmin)
	}
	if xmax != txid.InvalidTxID && conflicts(xmax) {
		return errors.Wrapf(ErrWriteConflict, "row %s deleted by txn %d", row, xmax)
	}
	return nil
}

// Commit drives the transaction to Committed. at Serializable the
// dangerous-structure check runs first and a detected pivot aborts the
// transaction with a serialization failure. a persist failure also
// aborts; both paths leave nothing held.
func (m *Manager) Commit(tx *Tx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return classified(errors.Wrapf(ErrTxNotActive, "commit of %s txn %d", tx.state, tx.id))
	}
	tx.state = StateCommitting

	if tx.level == Serializable {
		if err := m.predicates.CheckCommit(tx.id); err != nil {
			m.serializationAborts.Inc()
			m.logger.Info("serialization failure at commit", zap.Uint32("txn", uint32(tx.id)))
			m.finishAbort(tx)
			return classified(err)
		}
	}
	if len(tx.writes) > 0 {
		if err := m.persister.PersistCommit(tx.id, tx.writes); err != nil {
			m.logger.Error("persist failed, aborting", zap.Uint32("txn", uint32(tx.id)), zap.Error(err))
			m.finishAbort(tx)
			return newError(KindInternal, errors.Wrap(err, "persist commit failed"))
		}
	}

	// status first: once the id leaves the in-progress set, new snapshots
	// consult the status log about it
	if err := m.status.SetStateCommitted(tx.id); err != nil {
		m.finishAbort(tx)
		return newError(KindInternal, errors.Wrap(err, "record commit status failed"))
	}
	m.snapshots.CompleteTxID(tx.id)
	m.snapshots.CompleteTxSnapshot(tx.id)
	tx.state = StateCommitted

	m.locks.ReleaseAll(tx.id)
	m.predicates.Commit(tx.id)
	m.commits.Inc()
	m.logger.Debug("committed", zap.Uint32("txn", uint32(tx.id)))
	return nil
}

// Abort drives the transaction to Aborted. aborting an already aborted
// transaction is a no-op; aborting a committed one is an error. safe
// while the transaction's lock waits are being cancelled elsewhere.
func (m *Manager) Abort(tx *Tx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch tx.state {
	case StateAborted:
		return nil
	case StateCommitted:
		return classified(errors.Wrapf(ErrTxCommitted, "abort of txn %d", tx.id))
	}
	m.finishAbort(tx)
	m.logger.Debug("aborted", zap.Uint32("txn", uint32(tx.id)))
	return nil
}

// finishAbort is the single abort path: record the abort, complete the
// id, release everything. every step is idempotent or ordered so a
// crash between them leaves no inconsistency. callers must hold tx.mu.
func (m *Manager) finishAbort(tx *Tx) {
	if err := m.status.SetStateAborted(tx.id); err != nil {
		m.logger.Error("record abort status failed", zap.Uint32("txn", uint32(tx.id)), zap.Error(err))
	}
	m.snapshots.CompleteTxID(tx.id)
	m.snapshots.CompleteTxSnapshot(tx.id)
	tx.state = StateAborted
	m.locks.ReleaseAll(tx.id)
	m.predicates.Abort(tx.id)
	m.aborts.Inc()
}

// Vacuum reclaims dead versions up to the current snapshot horizon and
// returns how many were removed
func (m *Manager) Vacuum() int {
	return m.store.Vacuum(m.snapshots.Horizon(), m.cfg.VacuumBatch)
}

// Stats is a point-in-time snapshot of the engine counters
type Stats struct {
	Commits               int64
	Aborts                int64
	SerializationFailures int64
	DeadlocksBroken       int64
	LockTimeouts          int64
	VersionsReclaimed     int64
	PredicateCoarsenings  int64
}

// Stats returns the engine counters
func (m *Manager) Stats() Stats {
	return Stats{
		Commits:               m.commits.Load(),
		Aborts:                m.aborts.Load(),
		SerializationFailures: m.serializationAborts.Load(),
		DeadlocksBroken:       m.locks.DeadlocksBroken(),
		LockTimeouts:          m.locks.Timeouts(),
		VersionsReclaimed:     m.store.Reclaimed(),
		PredicateCoarsenings:  m.predicates.Coarsenings(),
	}
}
