/*
status bitmap

The commit state of each transaction is represented with 2 bits, so a
status page is just an array of 2-bit entries. The location of a
transaction's entry (page, byte offset within page, bit offset within
byte) is calculated from the transaction id.

The engine keeps no durable lock or status state, so unlike the
postgres-style clog this log lives purely in memory and pages are plain
byte slabs allocated on demand.
*/
package txstatus

// State is the commit state of a transaction as recorded in the status log
type State int

const (
	// 0 indicates the transaction is in progress. so a freshly allocated
	// page treats every transaction in it as in-progress.
	StateInProgress State = 0x00
	StateCommitted  State = 0x01
	StateAborted    State = 0x02
)

const (
	// 2 bits per transaction
	statusBits = 2
	// statusNumPerByte is the number of status entries per byte
	statusNumPerByte = 4
	// pageSize is the byte size of one in-memory status slab
	pageSize = 8192
	// statusNumPerPage is the number of status entries per slab
	statusNumPerPage = pageSize * statusNumPerByte
)

// pageID identifies one in-memory status slab
type pageID uint32

// getPageIDFromTxID returns the slab calculated from transaction id
func getPageIDFromTxID(txID uint32) pageID {
	return pageID(txID / statusNumPerPage)
}

// getByteOffsetFromTxID returns byte offset within slab calculated from transaction id
func getByteOffsetFromTxID(txID uint32) int {
	statusNumInPage := int(txID % statusNumPerPage)
	return statusNumInPage / statusNumPerByte
}

// getBitOffsetFromTxID returns bit offset within byte calculated from
// transaction id. this offset can be 0/2/4/6.
func getBitOffsetFromTxID(txID uint32) int {
	statusNumInByte := int(txID % statusNumPerByte)
	return statusNumInByte * statusBits
}

// getState extracts the 2-bit state for txID from the byte
func getState(data byte, txID uint32) State {
	bitOffset := getBitOffsetFromTxID(txID)
	st := data >> (6 - bitOffset)
	mask := byte((1 << statusBits) - 1)
	return State(st & mask)
}

// getUpdatedState returns the byte with txID's 2-bit state replaced by st
func getUpdatedState(data byte, txID uint32, st State) byte {
	bitOffset := getBitOffsetFromTxID(txID)
	shift := 6 - bitOffset
	mask := byte((1<<statusBits)-1) << shift
	return (data &^ mask) | (byte(st) << shift)
}
