package transaction

// IsolationLevel selects the concurrency behavior of a transaction.
// the levels differ in snapshot cadence, in whether the first-committer
// wins on write conflicts, and in whether predicate locks are tracked.
type IsolationLevel int

const (
	// ReadCommitted takes a fresh snapshot at every statement
	ReadCommitted IsolationLevel = iota
	// RepeatableRead takes one snapshot at the first data access and
	// fails writes to rows modified by concurrently committed transactions
	RepeatableRead
	// Serializable is RepeatableRead plus SSI predicate tracking and the
	// commit-time dangerous-structure check
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "read committed"
	case RepeatableRead:
		return "repeatable read"
	case Serializable:
		return "serializable"
	default:
		return "unknown"
	}
}

// usesTransactionSnapshot reports whether one snapshot is captured at
// the first data access and reused for the whole transaction. Read
// Committed re-captures per statement instead.
func (l IsolationLevel) usesTransactionSnapshot() bool {
	return l == RepeatableRead || l == Serializable
}

// firstCommitterWins reports whether a write to a row modified by a
// concurrently committed transaction must fail instead of proceeding on
// the newest version
func (l IsolationLevel) firstCommitterWins() bool {
	return l == RepeatableRead || l == Serializable
}
