package transaction

import (
	"time"

	"mvtx/config"
	"mvtx/storage"
)

// TestingNewManager builds an engine on the in-memory persister with
// defaults tightened for tests: short lock waits, eager deadlock
// detection.
func TestingNewManager() (*Manager, *storage.MemPersister) {
	cfg := config.NewDefaultConfig()
	cfg.LockWaitTimeout = config.Duration{Duration: 5 * time.Second}
	p := storage.NewMemPersister()
	m, err := NewManager(cfg, p, nil)
	if err != nil {
		panic(err)
	}
	return m, p
}
