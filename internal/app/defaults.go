package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults are the default locations of chainvault files.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - CHAINVAULT_CONFIG_PATH: config file location (default: ~/.config/chainvault.toml)
//   - CHAINVAULT_HOME: base directory for chainvault data (default: ~/.local/share/chainvault)
func GetDefaults() (*Defaults, error) {
	configPath := os.Getenv("CHAINVAULT_CONFIG_PATH")
	baseDir := os.Getenv("CHAINVAULT_HOME")

	if configPath == "" || baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		if configPath == "" {
			configPath = filepath.Join(homeDir, ".config", "chainvault.toml")
		}
		if baseDir == "" {
			baseDir = filepath.Join(homeDir, ".local", "share", "chainvault")
		}
	}

	return &Defaults{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}
