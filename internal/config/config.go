package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/digiplayer/agent/internal/logging"
)

var log = logging.L("config")

// loadedPath remembers where the document was read from, so Save writes
// registration state back to the same file the next start will load.
var loadedPath string

// Config is the persisted agent configuration document. It is the single
// source of truth for registration state: in-memory copies are rebuilt
// from it on every start.
type Config struct {
	ServerURL string `mapstructure:"server_url"`
	APIPrefix string `mapstructure:"api_prefix"`

	DeviceID string `mapstructure:"device_id"`
	PlayerID int64  `mapstructure:"player_id"` // 0 = not registered

	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	ProbeIntervalSeconds     int `mapstructure:"probe_interval_seconds"`
	FallbackGraceProbes      int `mapstructure:"fallback_grace_probes"`

	MediaDir string `mapstructure:"media_dir"`
	DataDir  string `mapstructure:"data_dir"`

	MaxConcurrentDownloads int `mapstructure:"max_concurrent_downloads"`

	WirelessInterface string `mapstructure:"wireless_interface"`
	PortalPort        int    `mapstructure:"portal_port"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	AuditEnabled bool `mapstructure:"audit_enabled"`
}

func Default() *Config {
	return &Config{
		ServerURL:                "https://www.digireklaam.ee",
		APIPrefix:                "/api/v1",
		HeartbeatIntervalSeconds: 30,
		ProbeIntervalSeconds:     10,
		FallbackGraceProbes:      3,
		MediaDir:                 filepath.Join(dataDir(), "media"),
		DataDir:                  dataDir(),
		MaxConcurrentDownloads:   4,
		WirelessInterface:        "wlan0",
		PortalPort:               8080,
		LogLevel:                 "info",
		LogFormat:                "text",
		AuditEnabled:             true,
	}
}

// APIURL returns the base API URL (server URL + prefix).
func (c *Config) APIURL() string {
	return c.ServerURL + c.APIPrefix
}

// Registered reports whether the operator has assigned a player id.
func (c *Config) Registered() bool {
	return c.PlayerID != 0
}

// Load reads the config document, falling back to defaults for missing
// fields. A corrupt file is treated as absent, so the agent bootstraps fresh
// rather than refusing to start. Unknown fields are ignored.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("DIGIPLAYER")

	loadedPath = cfgFile

	if err := viper.ReadInConfig(); err != nil {
		switch err.(type) {
		case viper.ConfigFileNotFoundError:
			// first run, defaults apply
		default:
			if _, statErr := os.Stat(viper.ConfigFileUsed()); cfgFile != "" && os.IsNotExist(statErr) {
				// explicit path that simply doesn't exist yet
			} else {
				log.Warn("config file unreadable, starting from defaults", "error", err)
				return cfg, nil
			}
		}
	} else if cfgFile == "" {
		loadedPath = viper.ConfigFileUsed()
	}

	if err := viper.Unmarshal(cfg); err != nil {
		log.Warn("config file malformed, starting from defaults", "error", err)
		return Default(), nil
	}

	return cfg, nil
}

// Save persists the config document with owner-only permissions,
// writing back to the file Load read (or the default location on a
// fresh device).
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("server_url", cfg.ServerURL)
	viper.Set("api_prefix", cfg.APIPrefix)
	viper.Set("device_id", cfg.DeviceID)
	viper.Set("player_id", cfg.PlayerID)
	viper.Set("heartbeat_interval_seconds", cfg.HeartbeatIntervalSeconds)
	viper.Set("probe_interval_seconds", cfg.ProbeIntervalSeconds)
	viper.Set("fallback_grace_probes", cfg.FallbackGraceProbes)
	viper.Set("media_dir", cfg.MediaDir)
	viper.Set("data_dir", cfg.DataDir)
	viper.Set("max_concurrent_downloads", cfg.MaxConcurrentDownloads)
	viper.Set("wireless_interface", cfg.WirelessInterface)
	viper.Set("portal_port", cfg.PortalPort)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("log_file", cfg.LogFile)
	viper.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	viper.Set("log_max_backups", cfg.LogMaxBackups)
	viper.Set("audit_enabled", cfg.AuditEnabled)

	// Without an explicit target, write back where Load found the
	// document, so registration state survives into the next start.
	if cfgFile == "" {
		cfgFile = loadedPath
	}

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

// configDir follows the original deployment layout: system paths when
// running as root, a dotdir for development.
func configDir() string {
	if os.Geteuid() == 0 {
		return "/etc/digiplayer"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".digiplayer")
}

func dataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/digiplayer"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".digiplayer")
}
