// Package config carries the two configuration layers of the pipeline:
// process-level settings from asap.yaml (logging, scheduling, mail, the
// transmit database bootstrap) and the transmit-database-backed Store of
// contacts, index schemas and shared settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/logging"
)

// v is the package-level viper instance, populated by Initialize.
var v *viper.Viper

// configFile overrides config discovery when set via SetConfigFile.
var configFile string

// SetConfigFile points Initialize at an explicit config file (the
// --config flag). Must be called before Initialize.
func SetConfigFile(path string) {
	configFile = path
}

// Initialize loads asap.yaml and binds ASAP_* environment variables.
// Search order: explicit file, $ASAP_CONFIG, ./asap.yaml, ~/.asap/asap.yaml,
// /etc/asap/asap.yaml. A missing config file is not an error; defaults and
// environment variables still apply.
func Initialize() error {
	nv := viper.New()
	nv.SetConfigName("asap")
	nv.SetConfigType("yaml")

	nv.SetEnvPrefix("ASAP")
	nv.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	nv.AutomaticEnv()

	setDefaults(nv)

	switch {
	case configFile != "":
		nv.SetConfigFile(configFile)
	case os.Getenv("ASAP_CONFIG") != "":
		nv.SetConfigFile(os.Getenv("ASAP_CONFIG"))
	default:
		nv.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			nv.AddConfigPath(filepath.Join(home, ".asap"))
		}
		nv.AddConfigPath("/etc/asap")
	}

	if err := nv.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
		// no config file: run on defaults and environment
	}

	v = nv
	return nil
}

func setDefaults(nv *viper.Viper) {
	nv.SetDefault("log.level", "info")
	nv.SetDefault("log.format", "text")
	nv.SetDefault("log.max-size-mb", 20)
	nv.SetDefault("log.max-backups", 5)
	nv.SetDefault("log.max-age-days", 28)
	nv.SetDefault("lock-file", filepath.Join(os.TempDir(), "asap.lock"))
	nv.SetDefault("max-contacts", 4)
	nv.SetDefault("run-interval", 15*time.Minute)
	nv.SetDefault("carrier-profiles", "/etc/asap/carriers")
	nv.SetDefault("retransmit-lookback-days", 30)
}

// GetString returns the string value for key.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns the boolean value for key.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns the integer value for key.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration returns the duration value for key.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Logging returns the logging configuration.
func Logging() logging.Config {
	var cfg logging.Config
	if v != nil {
		_ = v.UnmarshalKey("log", &cfg)
	}
	return cfg
}

// SMTP is the mail relay configuration for error and carrier mail.
type SMTP struct {
	Host    string   `yaml:"host" mapstructure:"host"`
	From    string   `yaml:"from" mapstructure:"from"`
	ErrorTo []string `yaml:"error-to" mapstructure:"error-to"`
}

// Mail returns the SMTP configuration.
func Mail() SMTP {
	var cfg SMTP
	if v != nil {
		_ = v.UnmarshalKey("smtp", &cfg)
	}
	return cfg
}

// Databases returns the logical database targets declared in asap.yaml.
// At minimum the xmit target must be present; the rest are discovered
// from the transmit database's own connection table.
func Databases() (map[string]db.Target, error) {
	targets := make(map[string]db.Target)
	if v == nil {
		return targets, nil
	}
	if err := v.UnmarshalKey("databases", &targets); err != nil {
		return nil, fmt.Errorf("decoding databases: %w", err)
	}
	return targets, nil
}
