package backends

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/RecoveryGuard/pkg/config"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
)

func TestOpenConfiguredLocations(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Recovery.StorageLocations = []string{config.StorageKV, config.StorageLocal, config.StorageIndexed}
	cfg.KV.InMemory = true
	cfg.Local.BackupDirectory = filepath.Join(dir, "files")
	cfg.Indexed.Path = filepath.Join(dir, "index.db")

	list, err := Open(cfg, logging.Discard())
	require.NoError(t, err)
	defer Close(list, nil)

	var names []string
	for _, b := range list {
		names = append(names, b.Name())
	}
	assert.Equal(t, []string{"kv", "local", "indexed"}, names)

	_, timeIndexed := list[2].(storage.TimeIndexed)
	assert.True(t, timeIndexed)
}

func TestOpenUnknownLocation(t *testing.T) {
	cfg := config.Default()
	cfg.Recovery.StorageLocations = []string{config.StorageKV, "tape"}
	cfg.KV.InMemory = true

	_, err := Open(cfg, logging.Discard())
	assert.ErrorContains(t, err, "tape")
}

func TestOpenNothingConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Recovery.StorageLocations = nil

	_, err := Open(cfg, logging.Discard())
	assert.Error(t, err)
}
