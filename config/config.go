package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Duration wraps time.Duration so TOML can carry values like "2s".
// the toml package decodes into anything implementing TextUnmarshaler.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrap(err, "invalid duration")
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration back to its string form
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds the engine tuning knobs. all of them are policy, not
// correctness: the defaults are safe and a zero Config is rejected by
// Validate rather than silently patched up.
type Config struct {
	LogLevel string `toml:"log-level"`

	// LockWaitTimeout bounds how long a transaction may wait for a lock
	// before the wait is abandoned with a lock-timeout failure.
	LockWaitTimeout Duration `toml:"lock-wait-timeout"`

	// DeadlockDetectionInterval selects the detection cadence.
	// zero means eager detection: the wait-for graph is searched on every
	// block. a positive interval switches to periodic sweeps.
	DeadlockDetectionInterval Duration `toml:"deadlock-detection-interval"`

	// MaxPredicateLocksPerTxn is the per-transaction SIREAD budget.
	// when a serializable transaction accumulates more predicates than
	// this, its predicates are coarsened to whole-relation granularity.
	MaxPredicateLocksPerTxn int `toml:"max-predicate-locks-per-txn"`

	// VacuumBatch is the max number of version chains inspected per
	// vacuum run, so vacuum never holds the store lock for long.
	VacuumBatch int `toml:"vacuum-batch"`
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

// NewDefaultConfig returns the defaults used by tests and by callers
// that pass no configuration file.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:                  getLogLevel(),
		LockWaitTimeout:           Duration{10 * time.Second},
		DeadlockDetectionInterval: Duration{},
		MaxPredicateLocksPerTxn:   64,
		VacuumBatch:               128,
	}
}

// FromFile loads a TOML configuration file over the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Wrap(err, "toml.DecodeFile failed")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return c, nil
}

// Validate checks the knobs for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.LockWaitTimeout.Duration <= 0 {
		return fmt.Errorf("lock-wait-timeout must be greater than 0")
	}
	if c.DeadlockDetectionInterval.Duration < 0 {
		return fmt.Errorf("deadlock-detection-interval must not be negative")
	}
	if c.MaxPredicateLocksPerTxn <= 0 {
		return fmt.Errorf("max-predicate-locks-per-txn must be greater than 0")
	}
	if c.VacuumBatch <= 0 {
		return fmt.Errorf("vacuum-batch must be greater than 0")
	}
	return nil
}
