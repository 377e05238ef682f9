package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "gowarp"
	// EnvPrefix prefixes every environment override, e.g. GOWARP_PORT.
	EnvPrefix = "GOWARP"
	// DataDirEnv overrides the data directory.
	DataDirEnv = EnvPrefix + "_DATA_DIR"
	// DefaultPort is the transfer RPC port.
	DefaultPort = 42000
	// DefaultAuthPort serves certificate registration.
	DefaultAuthPort = 42001
	// DefaultGroupCode matches the stock group code of other clients.
	DefaultGroupCode = "Warpinator"
	// DefaultHistoryRetentionDays bounds the transfer history.
	DefaultHistoryRetentionDays = 90

	configFileName = "config.json"
	keysDirName    = "keys"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	Ident       string `json:"ident" mapstructure:"ident"`
	Hostname    string `json:"hostname" mapstructure:"hostname"`
	DisplayName string `json:"display_name" mapstructure:"display_name"`
	UserName    string `json:"user_name" mapstructure:"user_name"`
	GroupCode   string `json:"group_code" mapstructure:"group_code"`
	Port        int    `json:"port" mapstructure:"port"`
	// AuthPort 0 disables TLS and certificate registration.
	AuthPort             int    `json:"auth_port" mapstructure:"auth_port"`
	SaveDir              string `json:"save_dir" mapstructure:"save_dir"`
	AutoAccept           bool   `json:"auto_accept" mapstructure:"auto_accept"`
	AllowOverwrite       bool   `json:"allow_overwrite" mapstructure:"allow_overwrite"`
	StrictDirectories    bool   `json:"strict_directories" mapstructure:"strict_directories"`
	InboundWorkers       int    `json:"inbound_workers" mapstructure:"inbound_workers"`
	OutboundWorkers      int    `json:"outbound_workers" mapstructure:"outbound_workers"`
	AvatarPath           string `json:"avatar_path" mapstructure:"avatar_path"`
	LogLevel             string `json:"log_level" mapstructure:"log_level"`
	KeyPath              string `json:"key_path" mapstructure:"key_path"`
	CertPath             string `json:"cert_path" mapstructure:"cert_path"`
	SameSubnetOnly       bool   `json:"same_subnet_only" mapstructure:"same_subnet_only"`
	HistoryRetentionDays int    `json:"history_retention_days" mapstructure:"history_retention_days"`
}

// Validate rejects values no component could run with.
func (c *DeviceConfig) Validate() error {
	if strings.TrimSpace(c.Ident) == "" {
		return errors.New("ident is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.AuthPort < 0 || c.AuthPort > 65535 {
		return fmt.Errorf("auth_port %d out of range", c.AuthPort)
	}
	if c.AuthPort == c.Port {
		return errors.New("auth_port must differ from port")
	}
	if strings.TrimSpace(c.SaveDir) == "" {
		return errors.New("save_dir is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory. GOWARP_DATA_DIR
// takes precedence.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, keysDirName)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	// Every key needs a default so the env can override keys absent from
	// the file.
	v.SetDefault("ident", "")
	v.SetDefault("hostname", "")
	v.SetDefault("display_name", "")
	v.SetDefault("user_name", "")
	v.SetDefault("group_code", DefaultGroupCode)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("auth_port", DefaultAuthPort)
	v.SetDefault("save_dir", "")
	v.SetDefault("auto_accept", false)
	v.SetDefault("allow_overwrite", false)
	v.SetDefault("strict_directories", false)
	v.SetDefault("inbound_workers", 0)
	v.SetDefault("outbound_workers", 0)
	v.SetDefault("avatar_path", "")
	v.SetDefault("log_level", logrus.InfoLevel.String())
	v.SetDefault("key_path", "")
	v.SetDefault("cert_path", "")
	v.SetDefault("same_subnet_only", true)
	v.SetDefault("history_retention_days", DefaultHistoryRetentionDays)
	return v
}

// Load reads config.json, applying GOWARP_* environment overrides.
func Load(path string) (*DeviceConfig, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and its config exist, then
// returns the config and its path. An empty dataDir resolves the default.
func LoadOrCreate(dataDir string) (*DeviceConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
		// An empty object lets the viper defaults fill the first config.
		if err := os.WriteFile(cfgPath, []byte("{}\n"), 0o600); err != nil {
			return nil, "", fmt.Errorf("write config: %w", err)
		}
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		return nil, "", err
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	set := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}

	set(&cfg.Ident, uuid.NewString())
	set(&cfg.Hostname, defaultHostname())
	set(&cfg.DisplayName, cfg.Hostname)
	set(&cfg.UserName, defaultUserName())
	set(&cfg.GroupCode, DefaultGroupCode)
	set(&cfg.SaveDir, defaultSaveDir(dataDir))
	set(&cfg.LogLevel, logrus.InfoLevel.String())
	set(&cfg.KeyPath, filepath.Join(dataDir, keysDirName, "server.key"))
	set(&cfg.CertPath, filepath.Join(dataDir, keysDirName, "server.crt"))

	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
		updated = true
	}
	if cfg.AuthPort < 0 {
		cfg.AuthPort = DefaultAuthPort
		updated = true
	}
	if cfg.HistoryRetentionDays < 0 {
		cfg.HistoryRetentionDays = DefaultHistoryRetentionDays
		updated = true
	}

	return updated
}

func defaultHostname() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "gowarp"
}

func defaultUserName() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if name := os.Getenv(key); name != "" {
			return name
		}
	}
	return "user"
}

func defaultSaveDir(dataDir string) string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, "Downloads", "gowarp-received")
	}
	return filepath.Join(dataDir, "received")
}
