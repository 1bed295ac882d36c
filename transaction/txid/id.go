package txid

// TxID is transaction id
// the id doubles as the start sequence number of the transaction: ids are
// allocated monotonically, so comparing two ids compares start order.
// this can overflow, and comparison treats the id space as a circle.
type TxID uint32

const (
	// invalid transaction id
	InvalidTxID TxID = 0
	// transaction id frozen by vacuum. (this is visible to any other transactions.)
	// frozen transaction id must be smaller than first transaction id
	FrozenTxID TxID = 2
	// first transaction id allocated by transaction id manager
	FirstTxID TxID = 3
)

// isNormal checks whether the id is a normally allocated one
func (id TxID) isNormal() bool {
	return id >= FirstTxID
}

// IsEqual checks whether the transaction is equal to the compared
func (id TxID) IsEqual(compared TxID) bool {
	return id == compared
}

// IsFollows checks whether id strictly follows compared in start order.
// wraparound is taken into account: when the distance between the two ids
// exceeds 2^31, the numerically bigger one is actually the older one.
func (id TxID) IsFollows(compared TxID) bool {
	if !id.isNormal() || !compared.isNormal() {
		return id >= compared
	}
	diff := id - compared
	return int32(diff) > 0
}

// Next returns the id that follows this one in allocation order
func (id TxID) Next() TxID {
	return advanceTxID(id)
}

// advanceTxID advances transaction id, skipping the reserved ids when
// the counter wraps around.
func advanceTxID(txID TxID) TxID {
	txID++
	if !txID.isNormal() {
		return FirstTxID
	}
	return txID
}
