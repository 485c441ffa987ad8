package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	envPrefix  = "VPNWARD"
	fileMode   = 0o600
	dirMode    = 0o755
)

// Keys recognised in config.toml, VPNWARD_* variables and flags.
const (
	KeyDBPath           = "db_path"
	KeyStatusFile       = "status_file"
	KeyEasyRSADir       = "easyrsa_dir"
	KeyCRLPath          = "crl_path"
	KeyClientDir        = "client_dir"
	KeyManagementAddr   = "management_addr"
	KeyPIDFile          = "pid_file"
	KeyTickInterval     = "tick_interval"
	KeyErrorBackoff     = "error_backoff"
	KeyMetricsEvery     = "metrics_every"
	KeySweepEvery       = "sweep_every"
	KeyMinSession       = "min_session"
	KeyToolTimeout      = "tool_timeout"
	KeySourceTimeout    = "source_timeout"
	KeyRevokeWorkers    = "revoke_workers"
	KeyAPIListen        = "api_listen"
	KeyMetricsRetention = "metrics_retention"
	KeyLogLevel         = "log_level"
)

// Config is the resolved runtime configuration.
type Config struct {
	DBPath           string
	StatusFile       string
	EasyRSADir       string
	CRLPath          string
	ClientDir        string
	ManagementAddr   string
	PIDFile          string
	TickInterval     time.Duration
	ErrorBackoff     time.Duration
	MetricsEvery     int
	SweepEvery       int
	MinSession       time.Duration
	ToolTimeout      time.Duration
	SourceTimeout    time.Duration
	RevokeWorkers    int
	APIListen        string
	MetricsRetention time.Duration
	LogLevel         string
}

// Debug reports whether per-tick logging is enabled.
func (c *Config) Debug() bool {
	return strings.EqualFold(c.LogLevel, "debug")
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault(KeyDBPath, filepath.Join(dataDir, "vpnward.db"))
	v.SetDefault(KeyStatusFile, "")
	v.SetDefault(KeyEasyRSADir, "/etc/openvpn/server/easy-rsa")
	v.SetDefault(KeyCRLPath, "/etc/openvpn/server/crl.pem")
	v.SetDefault(KeyClientDir, filepath.Join(dataDir, "clients"))
	v.SetDefault(KeyManagementAddr, "127.0.0.1:7505")
	v.SetDefault(KeyPIDFile, "/run/openvpn-server/server.pid")
	v.SetDefault(KeyTickInterval, "30s")
	v.SetDefault(KeyErrorBackoff, "60s")
	v.SetDefault(KeyMetricsEvery, 4)
	v.SetDefault(KeySweepEvery, 10)
	v.SetDefault(KeyMinSession, "10s")
	v.SetDefault(KeyToolTimeout, "30s")
	v.SetDefault(KeySourceTimeout, "5s")
	v.SetDefault(KeyRevokeWorkers, 4)
	v.SetDefault(KeyAPIListen, "")
	v.SetDefault(KeyMetricsRetention, "720h")
	v.SetDefault(KeyLogLevel, "info")
}

// Load resolves configuration from defaults, config.toml in configDir (or
// the file named by the "config" key), then VPNWARD_* variables and any
// flags already bound on v.
func Load(v *viper.Viper, dataDir, configDir string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v, dataDir)

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(configDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		DBPath:           v.GetString(KeyDBPath),
		StatusFile:       v.GetString(KeyStatusFile),
		EasyRSADir:       v.GetString(KeyEasyRSADir),
		CRLPath:          v.GetString(KeyCRLPath),
		ClientDir:        v.GetString(KeyClientDir),
		ManagementAddr:   v.GetString(KeyManagementAddr),
		PIDFile:          v.GetString(KeyPIDFile),
		TickInterval:     v.GetDuration(KeyTickInterval),
		ErrorBackoff:     v.GetDuration(KeyErrorBackoff),
		MetricsEvery:     v.GetInt(KeyMetricsEvery),
		SweepEvery:       v.GetInt(KeySweepEvery),
		MinSession:       v.GetDuration(KeyMinSession),
		ToolTimeout:      v.GetDuration(KeyToolTimeout),
		SourceTimeout:    v.GetDuration(KeySourceTimeout),
		RevokeWorkers:    v.GetInt(KeyRevokeWorkers),
		APIListen:        v.GetString(KeyAPIListen),
		MetricsRetention: v.GetDuration(KeyMetricsRetention),
		LogLevel:         strings.ToLower(v.GetString(KeyLogLevel)),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("%s must not be empty", KeyDBPath)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyTickInterval, c.TickInterval)
	}
	if c.ErrorBackoff <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyErrorBackoff, c.ErrorBackoff)
	}
	if c.MetricsEvery < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyMetricsEvery, c.MetricsEvery)
	}
	if c.SweepEvery < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeySweepEvery, c.SweepEvery)
	}
	if c.MinSession < 0 {
		return fmt.Errorf("%s must not be negative", KeyMinSession)
	}
	if c.RevokeWorkers < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyRevokeWorkers, c.RevokeWorkers)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s must be one of debug, info, warn, error, got %q", KeyLogLevel, c.LogLevel)
	}
	return nil
}

type document struct {
	DBPath           string `toml:"db_path"`
	StatusFile       string `toml:"status_file"`
	EasyRSADir       string `toml:"easyrsa_dir"`
	CRLPath          string `toml:"crl_path"`
	ClientDir        string `toml:"client_dir"`
	ManagementAddr   string `toml:"management_addr"`
	PIDFile          string `toml:"pid_file"`
	TickInterval     string `toml:"tick_interval"`
	ErrorBackoff     string `toml:"error_backoff"`
	MetricsEvery     int    `toml:"metrics_every"`
	SweepEvery       int    `toml:"sweep_every"`
	MinSession       string `toml:"min_session"`
	ToolTimeout      string `toml:"tool_timeout"`
	SourceTimeout    string `toml:"source_timeout"`
	RevokeWorkers    int    `toml:"revoke_workers"`
	APIListen        string `toml:"api_listen"`
	MetricsRetention string `toml:"metrics_retention"`
	LogLevel         string `toml:"log_level"`
}

func toDocument(c *Config) document {
	return document{
		DBPath:           c.DBPath,
		StatusFile:       c.StatusFile,
		EasyRSADir:       c.EasyRSADir,
		CRLPath:          c.CRLPath,
		ClientDir:        c.ClientDir,
		ManagementAddr:   c.ManagementAddr,
		PIDFile:          c.PIDFile,
		TickInterval:     c.TickInterval.String(),
		ErrorBackoff:     c.ErrorBackoff.String(),
		MetricsEvery:     c.MetricsEvery,
		SweepEvery:       c.SweepEvery,
		MinSession:       c.MinSession.String(),
		ToolTimeout:      c.ToolTimeout.String(),
		SourceTimeout:    c.SourceTimeout.String(),
		RevokeWorkers:    c.RevokeWorkers,
		APIListen:        c.APIListen,
		MetricsRetention: c.MetricsRetention.String(),
		LogLevel:         c.LogLevel,
	}
}

// Write stores c as TOML at path. An existing file is only replaced when
// force is set.
func Write(path string, c *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		}
	}

	data, err := toml.Marshal(toDocument(c))
	if err != nil {
		return fmt.Errorf("encode config file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.toml.tmp")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	return nil
}

// FilePath returns the default config.toml location inside configDir.
func FilePath(configDir string) string {
	return filepath.Join(configDir, configName+"."+configType)
}
