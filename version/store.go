/*
Version store owns the multiversioned rows.

Every logical row is an append-only chain of versions ordered by
creation. Reads walk the chain newest-to-oldest and return the first
version visible from the caller's snapshot; they never block and are
never blocked. Writes append; the prior newest live version gets its
xmax stamped. Two concurrent writers of one row are the lock manager's
problem: by the time a write reaches this layer the caller holds the
row's exclusive lock, so the store never has to resolve a write-write
race itself.

Garbage collection is lazy: Vacuum walks a bounded batch of chains and
reclaims versions no present or future snapshot can need, driven by the
horizon the snapshot manager computes. Versions created by aborted
transactions are dropped, and xmax stamps left behind by aborted
transactions are cleared so the version counts as live again.
*/
package version

import (
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"mvtx/common"
	"mvtx/transaction/snapshot"
	"mvtx/transaction/txid"
)

// ErrNotFound is returned when no visible version exists for the row.
// this is a normal result, not a failure.
var ErrNotFound = errors.New("no visible version for row")

// VisibilityChecker answers the snapshot visibility question.
// satisfied by snapshot.Manager.
type VisibilityChecker interface {
	IsVisible(xmin, xmax txid.TxID, snap *snapshot.Snapshot, self txid.TxID) bool
}

// StatusChecker answers commit-state questions during writes and vacuum.
// satisfied by txstatus.Manager.
type StatusChecker interface {
	IsCommitted(id txid.TxID) bool
	IsAborted(id txid.TxID) bool
}

// chain is the version chain of one logical row, oldest first
type chain struct {
	id       common.RowID
	mu       sync.RWMutex
	versions []*Version
}

// Store is the version store
type Store struct {
	mu     sync.RWMutex
	rows   *btree.BTreeG[*chain]
	vis    VisibilityChecker
	status StatusChecker
	logger *zap.Logger

	// cursor for batched vacuum runs
	vacuumCursor common.RowID
	haveCursor   bool

	reclaimed atomic.Int64
}

// NewStore initializes the version store
func NewStore(vis VisibilityChecker, status StatusChecker, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rows: btree.NewG(32, func(a, b *chain) bool {
			return a.id.Less(b.id)
		}),
		vis:    vis,
		status: status,
		logger: logger,
	}
}

// getChain returns the row's chain, if it exists
func (s *Store) getChain(id common.RowID) (*chain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows.Get(&chain{id: id})
}

// getOrCreateChain returns the row's chain, creating an empty one if needed
func (s *Store) getOrCreateChain(id common.RowID) *chain {
	if c, ok := s.getChain(id); ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.rows.Get(&chain{id: id}); ok {
		return c
	}
	c := &chain{id: id}
	s.rows.ReplaceOrInsert(c)
	return c
}

// Read returns the newest version of the row visible from snap.
// reads never block: the walk is a pure traversal over the chain.
func (s *Store) Read(id common.RowID, snap *snapshot.Snapshot, self txid.TxID) (*Version, error) {
	c, ok := s.getChain(id)
	if !ok {
		return nil, ErrNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if s.vis.IsVisible(v.xmin, v.xmax, snap, self) {
			return v, nil
		}
	}
	return nil, ErrNotFound
}

// ScanResult pairs a row with the version of it visible from the
// scanning snapshot
type ScanResult struct {
	Row     common.RowID
	Version *Version
}

// Scan returns the visible versions of every row of the relation with a
// key in [lo, hi], in key order. like Read, the walk never blocks.
func (s *Store) Scan(rel common.Relation, lo, hi string, snap *snapshot.Snapshot, self txid.TxID) []ScanResult {
	s.mu.RLock()
	var chains []*chain
	from := &chain{id: common.RowID{Rel: rel, Key: lo}}
	// hi is inclusive; AscendRange's upper bound is not
	to := &chain{id: common.RowID{Rel: rel, Key: hi + "\x00"}}
	s.rows.AscendRange(from, to, func(c *chain) bool {
		chains = append(chains, c)
		return true
	})
	s.mu.RUnlock()

	var out []ScanResult
	for _, c := range chains {
		c.mu.RLock()
		for i := len(c.versions) - 1; i >= 0; i-- {
			v := c.versions[i]
			if s.vis.IsVisible(v.xmin, v.xmax, snap, self) {
				out = append(out, ScanResult{Row: c.id, Version: v})
				break
			}
		}
		c.mu.RUnlock()
	}
	return out
}

// Newest returns the stamps of the newest live version of the row
// regardless of any snapshot: the version a new writer would supersede.
// versions created by aborted transactions are skipped. the engine uses
// this for its first-committer-wins check. the stamps are copied out
// under the chain lock because vacuum may clear an aborted deleter's
// xmax concurrently; handing out the *Version would let the caller read
// that field unsynchronized.
func (s *Store) Newest(id common.RowID) (xmin, xmax txid.TxID, ok bool) {
	c, found := s.getChain(id)
	if !found {
		return txid.InvalidTxID, txid.InvalidTxID, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := c.newestLive(s.status)
	if v == nil {
		return txid.InvalidTxID, txid.InvalidTxID, false
	}
	return v.xmin, v.xmax, true
}

// newestLive returns the newest version not created by an aborted
// transaction. callers must hold c.mu.
func (c *chain) newestLive(status StatusChecker) *Version {
	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if status.IsAborted(v.xmin) {
			continue
		}
		return v
	}
	return nil
}

// Write appends a new version of the row created by txID and stamps the
// prior newest version's xmax. the caller must hold the row's exclusive
// lock; the store does not serialize concurrent writers itself.
func (s *Store) Write(id common.RowID, payload []byte, txID txid.TxID) (*Version, error) {
	c := s.getOrCreateChain(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	s.stampNewest(c, txID)
	v := newVersion(txID, payload)
	c.versions = append(c.versions, v)
	return v, nil
}

// Delete stamps xmax of the row's newest live version with txID.
// returns ErrNotFound when the row has no live version to delete.
func (s *Store) Delete(id common.RowID, txID txid.TxID) error {
	c, ok := s.getChain(id)
	if !ok {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.stampNewest(c, txID) {
		return ErrNotFound
	}
	return nil
}

// stampNewest sets xmax=txID on the newest stampable version: one whose
// xmax is unset, or set by a transaction that aborted (the abort left
// the version live, so the stamp is simply replaced). callers must hold
// c.mu. returns false when nothing was stamped.
func (s *Store) stampNewest(c *chain, txID txid.TxID) bool {
	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if s.status.IsAborted(v.xmin) {
			// dead on arrival, keep looking for the real newest
			continue
		}
		if v.xmax == txid.InvalidTxID || s.status.IsAborted(v.xmax) {
			v.xmax = txID
			return true
		}
		// newest live version already deleted by a committed or
		// in-progress transaction; nothing for the caller to stamp
		return false
	}
	return false
}

// Reclaimed returns the total number of versions removed by vacuum
func (s *Store) Reclaimed() int64 {
	return s.reclaimed.Load()
}

// Vacuum reclaims dead versions from up to batch chains and returns the
// number of versions removed. horizon is the oldest xmin any live
// snapshot can need, as computed by the snapshot manager. successive
// calls resume where the previous one stopped.
func (s *Store) Vacuum(horizon txid.TxID, batch int) int {
	s.mu.Lock()
	var chains []*chain
	pivot := &chain{id: s.vacuumCursor}
	collect := func(c *chain) bool {
		if len(chains) >= batch {
			return false
		}
		chains = append(chains, c)
		return true
	}
	if s.haveCursor {
		s.rows.AscendGreaterOrEqual(pivot, collect)
	} else {
		s.rows.Ascend(collect)
	}
	if len(chains) == batch {
		s.vacuumCursor = chains[len(chains)-1].id
		s.vacuumCursor.Key += "\x00"
		s.haveCursor = true
	} else {
		// wrapped: next run starts from the beginning
		s.haveCursor = false
	}
	s.mu.Unlock()

	removed := 0
	var empty []*chain
	for _, c := range chains {
		n := s.vacuumChain(c, horizon)
		removed += n
		c.mu.RLock()
		if len(c.versions) == 0 {
			empty = append(empty, c)
		}
		c.mu.RUnlock()
	}
	if len(empty) > 0 {
		s.mu.Lock()
		for _, c := range empty {
			c.mu.RLock()
			if len(c.versions) == 0 {
				s.rows.Delete(c)
			}
			c.mu.RUnlock()
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		s.reclaimed.Add(int64(removed))
		s.logger.Debug("vacuum reclaimed versions",
			zap.Int("removed", removed),
			zap.Uint32("horizon", uint32(horizon)))
	}
	return removed
}

// vacuumChain removes dead versions from one chain.
// a version is dead when its creator aborted, or when it was deleted by
// a transaction that committed before the horizon. xmax stamps left by
// aborted transactions are cleared.
func (s *Store) vacuumChain(c *chain, horizon txid.TxID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.versions[:0]
	removed := 0
	for _, v := range c.versions {
		if s.status.IsAborted(v.xmin) {
			removed++
			continue
		}
		if v.xmax != txid.InvalidTxID {
			if s.status.IsAborted(v.xmax) {
				// the deleter rolled back: the version is live again
				v.xmax = txid.InvalidTxID
			} else if s.status.IsCommitted(v.xmax) && horizon.IsFollows(v.xmax) {
				// deleted before the horizon: dead to every snapshot
				removed++
				continue
			}
		}
		kept = append(kept, v)
	}
	c.versions = kept
	return removed
}
