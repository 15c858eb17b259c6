// Package aconfig loads config.json the way the rest of the retrieved
// pack does it: a layered viper.Viper searched across the working
// directory and a couple of well-known install locations, replacing the
// teacher's own (unretrieved) pkg/config and the upstream's global
// lru_cache-memoized config load with an explicit object built once at
// startup and injected into central/daemon.
package aconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the config.json schema from the external interfaces section.
type Config struct {
	JWTKey             string   `mapstructure:"jwt_key"`
	CentralHost        string   `mapstructure:"central_host"`
	MountPaths         []string `mapstructure:"mount_paths"`
	GrafanaEndpoint    string   `mapstructure:"grafana_endpoint"`
	GrafanaUserID      string   `mapstructure:"grafana_userid"`
	GrafanaKey         string   `mapstructure:"grafana_key"`
	PolicyPodTimeLimit int      `mapstructure:"policy_pod_time_limit"`
	PolicyPodGPULimit  int      `mapstructure:"policy_pod_gpu_limit"`
	AuditDBPath        string   `mapstructure:"audit_db_path"`
}

// DefaultListenAddr is the central's loopback listen address.
const DefaultListenAddr = "127.0.0.1:23549"

// Load searches, in order, the working directory, ~/.ariesdockerd/, and
// /etc/ariesdockerd/ for config.json, merging environment variable
// overrides (ARIESDOCKERD_* ) on top.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".ariesdockerd"))
	}
	v.AddConfigPath("/etc/ariesdockerd")

	v.SetEnvPrefix("ariesdockerd")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("aconfig: reading config.json: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("aconfig: unmarshaling config: %w", err)
	}
	if cfg.CentralHost == "" {
		cfg.CentralHost = "ws://" + DefaultListenAddr
	}
	return cfg, nil
}
