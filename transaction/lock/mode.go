package lock

// Mode is a lock mode. modes are totally ordered by strength, from
// ModeShared (any number of readers) up to ModeAccessExclusive
// (schema-changing operations, conflicts with everything).
type Mode int

const (
	// plain reads
	ModeShared Mode = iota
	// FOR UPDATE-equivalent: read now, intend to write
	ModeUpdate
	// row writes
	ModeExclusive
	// schema-changing operations on a whole table
	ModeAccessExclusive

	numModes
)

// conflicts is the fixed mutual-exclusion matrix. the matrix is
// symmetric: conflicts[a][b] == conflicts[b][a].
var conflicts = [numModes][numModes]bool{
	ModeShared:          {false, false, true, true},
	ModeUpdate:          {false, true, true, true},
	ModeExclusive:       {true, true, true, true},
	ModeAccessExclusive: {true, true, true, true},
}

// ConflictsWith checks whether two modes exclude each other
func (m Mode) ConflictsWith(other Mode) bool {
	return conflicts[m][other]
}

// stronger returns the stronger of the two modes
func stronger(a, b Mode) Mode {
	if a > b {
		return a
	}
	return b
}

func (m Mode) String() string {
	switch m {
	case ModeShared:
		return "Shared"
	case ModeUpdate:
		return "Update"
	case ModeExclusive:
		return "Exclusive"
	case ModeAccessExclusive:
		return "AccessExclusive"
	default:
		return "Unknown"
	}
}
