package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/spknetwork/spkpin/internal/logger"
	"github.com/spknetwork/spkpin/internal/poa"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	LogLevel  string          `toml:"log_level" mapstructure:"log_level"`
	NoColor   bool            `toml:"no_color" mapstructure:"no_color"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	POA       POAConfig       `toml:"poa" mapstructure:"poa"`
	IPFS      IPFSConfig      `toml:"ipfs" mapstructure:"ipfs"`
	SPK       SPKConfig       `toml:"spk" mapstructure:"spk"`
	Reconcile ReconcileConfig `toml:"reconcile" mapstructure:"reconcile"`
	Store     StoreConfig     `toml:"store" mapstructure:"store"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type POAConfig struct {
	BinaryPath          string        `toml:"binary_path" mapstructure:"binary_path"`
	Account             string        `toml:"account" mapstructure:"account"`
	NodeURL             string        `toml:"node_url" mapstructure:"node_url"`
	NodeType            string        `toml:"node_type" mapstructure:"node_type"`
	StorageCeilingBytes int64         `toml:"storage_ceiling_bytes" mapstructure:"storage_ceiling_bytes"`
	WorkDir             string        `toml:"workdir" mapstructure:"workdir"`
	Env                 []string      `toml:"env" mapstructure:"env"`
	AutoStart           bool          `toml:"auto_start" mapstructure:"auto_start"`
	AutoRestart         bool          `toml:"autorestart" mapstructure:"autorestart"`
	MaxRestarts         int           `toml:"max_restarts" mapstructure:"max_restarts"`
	RestartBackoff      time.Duration `toml:"restart_backoff" mapstructure:"restart_backoff"`
	StartupTimeout      time.Duration `toml:"startup_timeout" mapstructure:"startup_timeout"`
	StopGrace           time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	Log                 logger.Config `toml:"log" mapstructure:"log"`
}

type IPFSConfig struct {
	Host    string        `toml:"host" mapstructure:"host"`
	Port    int           `toml:"port" mapstructure:"port"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type SPKConfig struct {
	URL     string        `toml:"url" mapstructure:"url"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type ReconcileConfig struct {
	Interval  time.Duration `toml:"interval" mapstructure:"interval"`
	Debounce  time.Duration `toml:"debounce" mapstructure:"debounce"`
	OpTimeout time.Duration `toml:"op_timeout" mapstructure:"op_timeout"`
	Allowlist []string      `toml:"allowlist" mapstructure:"allowlist"`
}

type StoreConfig struct {
	Type string `toml:"type" mapstructure:"type"`
	DSN  string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	SQLDSN     string           `toml:"sql_dsn" mapstructure:"sql_dsn"`
	ClickHouse ClickHouseConfig `toml:"clickhouse" mapstructure:"clickhouse"`
}

type ClickHouseConfig struct {
	Addr     string `toml:"addr" mapstructure:"addr"`
	Database string `toml:"database" mapstructure:"database"`
	Username string `toml:"username" mapstructure:"username"`
	Password string `toml:"password" mapstructure:"password"`
	Table    string `toml:"table" mapstructure:"table"`
}

// Load parses the TOML file at path and applies defaults.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse config: %w", err)
	}
	fc.applyDefaults()
	if err := fc.validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if fc.LogLevel == "" {
		fc.LogLevel = "info"
	}
	if fc.Server.Listen == "" {
		fc.Server.Listen = "127.0.0.1:8383"
	}
	if fc.Server.BasePath == "" {
		fc.Server.BasePath = "/api"
	}
	if fc.IPFS.Host == "" {
		fc.IPFS.Host = "127.0.0.1"
	}
	if fc.IPFS.Port == 0 {
		fc.IPFS.Port = 5001
	}
	if fc.SPK.URL == "" {
		fc.SPK.URL = "https://spktest.dlux.io"
	}
	if fc.Store.Type == "" {
		fc.Store.Type = "sqlite"
	}
	if fc.Store.DSN == "" && fc.Store.Type == "sqlite" {
		fc.Store.DSN = "spkpin.db"
	}
	if fc.POA.NodeType == "" {
		fc.POA.NodeType = "storage"
	}
}

func (fc *FileConfig) validate() error {
	if fc.POA.Account == "" {
		return fmt.Errorf("config: poa.account is required")
	}
	switch fc.POA.NodeType {
	case "storage", "validator":
	default:
		return fmt.Errorf("config: poa.node_type must be storage or validator, got %q", fc.POA.NodeType)
	}
	return nil
}

// POASpec converts the POA section into a supervisor spec. The process's
// IPFS port follows the ipfs section so the validator talks to the same
// daemon the reconciler pins against.
func (fc *FileConfig) POASpec() poa.Spec {
	return poa.Spec{
		BinaryPath:          fc.POA.BinaryPath,
		Account:             fc.POA.Account,
		NodeURL:             fc.POA.NodeURL,
		NodeType:            fc.POA.NodeType,
		StorageCeilingBytes: fc.POA.StorageCeilingBytes,
		IPFSPort:            fc.IPFS.Port,
		WorkDir:             fc.POA.WorkDir,
		Env:                 fc.POA.Env,
		Log:                 fc.POA.Log,
		StartupTimeout:      fc.POA.StartupTimeout,
		StopGrace:           fc.POA.StopGrace,
		AutoRestart:         fc.POA.AutoRestart,
		MaxRestarts:         fc.POA.MaxRestarts,
		RestartBackoff:      fc.POA.RestartBackoff,
	}
}
