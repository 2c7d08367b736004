// Package config loads the server's layered TOML configuration, matching
// the teacher's server.Config but regrouped under the table names
// spec.md §6 names. default.toml is parsed first, then custom.toml (if
// present) overlays it field-by-field, then CLI flags override both —
// the same override order telegraf's layered config follows.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"goredis-core/internal/aof"
)

// RDBInterval mirrors Redis's save-point tuple: dump after Seconds
// elapse if at least Changes keys were touched.
type RDBInterval struct {
	Seconds int `toml:"seconds"`
	Changes int `toml:"changes"`
}

type ServerTable struct {
	Port                    int    `toml:"port"`
	Host                    string `toml:"host"`
	MaxConnections          int    `toml:"max_connections"`
	ReadBufferSize          int    `toml:"read_buffer_size"`
	WriteBufferSize         int    `toml:"write_buffer_size"`
	ExpireCheckIntervalSecs int    `toml:"expire_check_interval_secs"`
	LogLevel                string `toml:"log_level"`
}

type SecurityTable struct {
	RequirePass string `toml:"requirepass"`
}

type ReplicationTable struct {
	ReplicaOf    string `toml:"replicaof"` // "host:port", empty for master
	MaxReplicate int    `toml:"max_replicate"`
	MasterAuth   string `toml:"masterauth"`
}

type RDBTable struct {
	Enable         bool        `toml:"enable"`
	FilePath       string      `toml:"file_path"`
	Interval       RDBInterval `toml:"interval"`
	Version        uint32      `toml:"version"`
	EnableChecksum bool        `toml:"enable_checksum"`
}

type AOFTable struct {
	Enable         bool   `toml:"enable"`
	UseRDBPreamble bool   `toml:"use_rdb_preamble"`
	FilePath       string `toml:"file_path"`
	AppendFsync    string `toml:"append_fsync"` // "Always" | "EverySec" | "No"
}

// Config is the fully-resolved configuration tree, after TOML layering
// and CLI overrides.
type Config struct {
	Server      ServerTable      `toml:"server"`
	Security    SecurityTable    `toml:"security"`
	Replication ReplicationTable `toml:"replication"`
	RDB         RDBTable         `toml:"rdb"`
	AOF         AOFTable         `toml:"aof"`
}

// Default returns the baseline configuration used when no TOML file is
// present, matching the teacher's DefaultConfig values.
func Default() *Config {
	return &Config{
		Server: ServerTable{
			Port:                    6379,
			Host:                    "0.0.0.0",
			MaxConnections:          10000,
			ReadBufferSize:          4096,
			WriteBufferSize:         4096,
			ExpireCheckIntervalSecs: 1,
			LogLevel:                "info",
		},
		Replication: ReplicationTable{
			MaxReplicate: 8,
		},
		RDB: RDBTable{
			Enable:         true,
			FilePath:       "dump.rdb",
			Interval:       RDBInterval{Seconds: 60, Changes: 1000},
			Version:        1,
			EnableChecksum: true,
		},
		AOF: AOFTable{
			Enable:      false,
			FilePath:    "appendonly.aof",
			AppendFsync: "EverySec",
		},
	}
}

// Load reads defaultPath, then overlays customPath on top of it if it
// exists. A missing defaultPath falls back to Default() silently (first
// startup, no config directory yet); a missing customPath is not an
// error since it is optional.
func Load(defaultPath, customPath string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(defaultPath); err == nil {
		if _, err := toml.DecodeFile(defaultPath, cfg); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", defaultPath, err)
		}
	}

	if customPath != "" {
		if _, err := os.Stat(customPath); err == nil {
			if _, err := toml.DecodeFile(customPath, cfg); err != nil {
				return nil, fmt.Errorf("config: decoding %s: %w", customPath, err)
			}
		}
	}

	return cfg, nil
}

// AOFConfig adapts the resolved AOF table into the aof package's own
// Config, parsing the textual fsync policy per its documented values.
func (c *Config) AOFConfig() (aof.Config, error) {
	policy, err := aof.ParseSyncPolicy(c.AOF.AppendFsync)
	if err != nil {
		return aof.Config{}, err
	}
	cfg := aof.DefaultConfig()
	cfg.Enabled = c.AOF.Enable
	cfg.Filepath = c.AOF.FilePath
	cfg.SyncPolicy = policy
	return cfg, nil
}

// RDBSaveInterval returns the configured auto-save check interval, or 0
// if auto-save is disabled (either Seconds or Changes is non-positive).
func (c *Config) RDBSaveInterval() time.Duration {
	if c.RDB.Interval.Seconds <= 0 || c.RDB.Interval.Changes <= 0 {
		return 0
	}
	return time.Duration(c.RDB.Interval.Seconds) * time.Second
}

// ExpireCheckInterval returns the reaper sweep interval, defaulting to
// 1 second if unset or invalid.
func (c *Config) ExpireCheckInterval() time.Duration {
	if c.Server.ExpireCheckIntervalSecs <= 0 {
		return time.Second
	}
	return time.Duration(c.Server.ExpireCheckIntervalSecs) * time.Second
}
