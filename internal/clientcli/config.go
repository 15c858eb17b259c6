// Package clientcli implements the client-side command shell: the line
// grammar from the external interfaces section, persisted connection state
// under ~/.aries, and the AsyncClient plumbing to talk to central.
package clientcli

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config is the persisted client state: ~/.aries/config.json.
type Config struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".aries")
}

func ConfigPath() string  { return filepath.Join(configDir(), "config.json") }
func HistoryPath() string { return filepath.Join(configDir(), "history") }

func LoadConfig() (*Config, error) {
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	if err := os.MkdirAll(configDir(), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(), data, 0o600)
}
