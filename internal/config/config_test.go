package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 6379, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.True(t, cfg.RDB.Enable)
	assert.False(t, cfg.AOF.Enable)
	assert.Equal(t, 8, cfg.Replication.MaxReplicate)
}

func TestLoadMissingFilesFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing-default.toml"), filepath.Join(t.TempDir(), "missing-custom.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadLayersDefaultThenCustom(t *testing.T) {
	dir := t.TempDir()
	defaultPath := filepath.Join(dir, "default.toml")
	customPath := filepath.Join(dir, "custom.toml")

	require.NoError(t, os.WriteFile(defaultPath, []byte(`
[server]
port = 6379
host = "0.0.0.0"

[replication]
max_replicate = 8
`), 0644))

	require.NoError(t, os.WriteFile(customPath, []byte(`
[server]
port = 7000

[security]
requirepass = "hunter2"
`), 0644))

	cfg, err := Load(defaultPath, customPath)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port, "custom.toml overrides the port")
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset fields in custom.toml keep the default layer's value")
	assert.Equal(t, "hunter2", cfg.Security.RequirePass)
	assert.Equal(t, 8, cfg.Replication.MaxReplicate)
}

func TestLoadCustomPathOptional(t *testing.T) {
	dir := t.TempDir()
	defaultPath := filepath.Join(dir, "default.toml")
	require.NoError(t, os.WriteFile(defaultPath, []byte(`
[server]
port = 6400
`), 0644))

	cfg, err := Load(defaultPath, "")
	require.NoError(t, err)
	assert.Equal(t, 6400, cfg.Server.Port)
}

func TestAOFConfigParsesSyncPolicy(t *testing.T) {
	cfg := Default()
	cfg.AOF.Enable = true
	cfg.AOF.FilePath = "/tmp/appendonly.aof"
	cfg.AOF.AppendFsync = "Always"

	aofCfg, err := cfg.AOFConfig()
	require.NoError(t, err)
	assert.True(t, aofCfg.Enabled)
	assert.Equal(t, "/tmp/appendonly.aof", aofCfg.Filepath)

	cfg.AOF.AppendFsync = "not-a-policy"
	_, err = cfg.AOFConfig()
	assert.Error(t, err)
}

func TestRDBSaveIntervalDisabledWhenUnset(t *testing.T) {
	cfg := Default()
	cfg.RDB.Interval.Seconds = 0
	assert.Equal(t, time.Duration(0), cfg.RDBSaveInterval())

	cfg.RDB.Interval.Seconds = 60
	cfg.RDB.Interval.Changes = 100
	assert.Equal(t, 60*time.Second, cfg.RDBSaveInterval())
}

func TestExpireCheckIntervalDefaultsToOneSecond(t *testing.T) {
	cfg := Default()
	cfg.Server.ExpireCheckIntervalSecs = 0
	assert.Equal(t, time.Second, cfg.ExpireCheckInterval())

	cfg.Server.ExpireCheckIntervalSecs = 5
	assert.Equal(t, 5*time.Second, cfg.ExpireCheckInterval())
}
