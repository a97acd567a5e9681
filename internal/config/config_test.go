package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeFile(t, "config.yml", "env: test\n")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":8085", c.HTTP.Addr)
	assert.Equal(t, 15*time.Minute, c.Batch.Interval)
	assert.Equal(t, 500, c.Batch.MaxBatch)
	assert.Equal(t, 60*time.Second, c.Recovery.Interval)
	assert.Equal(t, 5*time.Minute, c.Recovery.AckTimeout)
	assert.Equal(t, 10, c.Recovery.MaxRetries)
	assert.Equal(t, 30, c.Retention.Days)
	assert.Equal(t, 2*time.Second, c.WAL.LockWait)
	assert.Equal(t, 3*time.Second, c.Timeout)
}

func TestLoadMergesMultipleFiles(t *testing.T) {
	base := writeFile(t, "common.yml", "wal:\n  dir: /var/lib/msg\n")
	over := writeFile(t, "local.yml", "batch:\n  interval: 1m\nrecovery:\n  interval: 5s\n")

	c, err := Load(base + "," + over)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/msg", c.WAL.Dir)
	assert.Equal(t, time.Minute, c.Batch.Interval)
	assert.Equal(t, 5*time.Second, c.Recovery.Interval)
}

func TestLoadRequiresPath(t *testing.T) {
	_, err := Load("  ")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
