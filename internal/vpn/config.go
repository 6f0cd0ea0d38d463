package vpn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eleven-am/burrow/internal/domain"
)

// ConfigStore persists the VPN credentials outside process memory. The file
// holds a password, so it is written 0600 under the user config dir.
type ConfigStore struct {
	dir string
}

func NewConfigStore() *ConfigStore {
	base, err := os.UserConfigDir()
	if err != nil {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return &ConfigStore{dir: filepath.Join(base, "burrow")}
}

func NewConfigStoreAt(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

func (s *ConfigStore) path() string {
	return filepath.Join(s.dir, "vpn.json")
}

// Load returns a zero config when none has been saved yet.
func (s *ConfigStore) Load() (domain.VpnConfig, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return domain.VpnConfig{}, nil
		}
		return domain.VpnConfig{}, &domain.VpnError{Step: "config", Err: err}
	}
	var cfg domain.VpnConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.VpnConfig{}, &domain.VpnError{Step: "config", Err: fmt.Errorf("bad vpn.json: %w", err)}
	}
	return cfg, nil
}

func (s *ConfigStore) Save(cfg domain.VpnConfig) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return &domain.VpnError{Step: "config", Err: err}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return &domain.VpnError{Step: "config", Err: err}
	}
	if err := os.WriteFile(s.path(), data, 0o600); err != nil {
		return &domain.VpnError{Step: "config", Err: err}
	}
	return nil
}
