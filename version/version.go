/*
Version is the unit the store hands around: one row payload plus the MVCC
header that decides its visibility.

- xmin: the transaction that created the version
- xmax: the transaction that deleted (or superseded) it, if any

An update never touches a version in place: it stamps xmax on the old
version and appends a new one, so readers positioned on the old version
keep a consistent view. Whether a stamped xmax actually "counts" depends
on whether the stamping transaction committed; that question belongs to
the snapshot manager, not to this struct.
*/
package version

import (
	"mvtx/transaction/txid"
)

// Version is one entry of a row's version chain
type Version struct {
	xmin txid.TxID
	xmax txid.TxID
	data []byte
}

// newVersion initializes a version created by txID
func newVersion(xmin txid.TxID, data []byte) *Version {
	return &Version{
		xmin: xmin,
		xmax: txid.InvalidTxID,
		data: data,
	}
}

// Xmin returns the creating transaction id
func (v *Version) Xmin() txid.TxID {
	return v.xmin
}

// Xmax returns the deleting transaction id, or InvalidTxID
func (v *Version) Xmax() txid.TxID {
	return v.xmax
}

// Data returns the row payload. callers must not mutate it.
func (v *Version) Data() []byte {
	return v.data
}
