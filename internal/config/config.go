// Package config loads the daemon configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is everything the daemon needs to run, loaded from the single
// configuration file passed on the command line. TOML, YAML and JSON are
// accepted; the format is picked from the file extension.
type Config struct {
	// APIURL is the remote feed service base address.
	APIURL string `mapstructure:"api_url"`

	// DBPath is the SQLite database file path.
	DBPath string `mapstructure:"db_path"`

	// DBTable is the record table name.
	DBTable string `mapstructure:"db_table"`

	// KeyName/KeyFile load a single signing key for that owner.
	KeyName string `mapstructure:"key_name"`
	KeyFile string `mapstructure:"key_file"`

	// KeyRing is a YAML file mapping owners to key files. When set it takes
	// the place of KeyName/KeyFile.
	KeyRing string `mapstructure:"keyring"`

	// PidFile is the single-instance guard path.
	PidFile string `mapstructure:"pidfile"`

	// LogFile, when set, sends daemon logs to a rotated file instead of
	// stderr.
	LogFile string `mapstructure:"log_file"`

	// FeedLimit is the page size hint sent to the feed endpoint.
	FeedLimit int `mapstructure:"feed_limit"`

	// PollInterval and IdleInterval control the daemon cadence.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	IdleInterval time.Duration `mapstructure:"idle_interval"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("db_table", "data")
	v.SetDefault("pidfile", "dz.pid")
	v.SetDefault("feed_limit", 100)
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("idle_interval", "5s")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.APIURL == "" {
		return nil, fmt.Errorf("api_url is required")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db_path is required")
	}
	if cfg.KeyRing == "" && (cfg.KeyName == "" || cfg.KeyFile == "") {
		return nil, fmt.Errorf("either keyring or key_name and key_file are required")
	}
	return &cfg, nil
}
