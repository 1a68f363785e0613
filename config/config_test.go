package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, "127.0.0.1:8546", cfg.RPCAddress)
	require.Equal(t, "leveldb", cfg.JournalBackend)
	require.Equal(t, uint64(90), cfg.StaleSlotThreshold)
}

func TestLoadAppliesDefaultsToSparseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("RPCAddress = \"0.0.0.0:9000\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.RPCAddress)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 1024, cfg.EventTailLimit)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("JournalBackend = \"redis\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "JournalBackend")
}

func TestDataDirPaths(t *testing.T) {
	cfg := defaultConfig()
	cfg.DataDir = "/var/lib/clone"
	require.Equal(t, filepath.Join("/var/lib/clone", "state.db"), cfg.SnapshotPath())
	require.Equal(t, filepath.Join("/var/lib/clone", "journal"), cfg.JournalPath())
}
