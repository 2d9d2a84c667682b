package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitflow/internal/config"
	"permitflow/internal/domain"
	"permitflow/internal/engine/auth"
	"permitflow/internal/logger"
)

func TestOpenPreparesStore(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "nested", "permits.db")

	rt, err := Open(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	defer rt.Close()

	assert.True(t, rt.Engine.Guard.Ready())
	p, err := rt.Engine.Create(context.Background(), auth.Identity{Name: "root", Role: domain.RoleAdmin}, domain.Details{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingBay, p.Status)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), config.FileName))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "/api", cfg.Server.BasePath)
}

func TestDBConfigCopiesPoolSettings(t *testing.T) {
	cfg := config.Default()
	got := DBConfig(cfg.Database)
	assert.Equal(t, cfg.Database.MaxOpenConns, got.MaxOpenConns)
	assert.Equal(t, cfg.Database.BusyTimeout, got.BusyTimeout)
}
