package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.Nil(t, NewDefaultConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero lock wait timeout", func(c *Config) { c.LockWaitTimeout = Duration{} }},
		{"negative detection interval", func(c *Config) { c.DeadlockDetectionInterval = Duration{-time.Second} }},
		{"zero predicate budget", func(c *Config) { c.MaxPredicateLocksPerTxn = 0 }},
		{"zero vacuum batch", func(c *Config) { c.VacuumBatch = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewDefaultConfig()
			tt.mutate(c)
			assert.NotNil(t, c.Validate())
		})
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	body := `
lock-wait-timeout = "2s"
deadlock-detection-interval = "100ms"
max-predicate-locks-per-txn = 16
`
	require.Nil(t, os.WriteFile(path, []byte(body), 0644))

	c, err := FromFile(path)
	require.Nil(t, err)
	assert.Equal(t, 2*time.Second, c.LockWaitTimeout.Duration)
	assert.Equal(t, 100*time.Millisecond, c.DeadlockDetectionInterval.Duration)
	assert.Equal(t, 16, c.MaxPredicateLocksPerTxn)
	// unset knobs keep their defaults
	assert.Equal(t, 128, c.VacuumBatch)

	t.Run("invalid values are rejected", func(t *testing.T) {
		require.Nil(t, os.WriteFile(path, []byte(`vacuum-batch = 0`), 0644))
		_, err := FromFile(path)
		assert.NotNil(t, err)
	})
}
