package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// configDirName is a directory in the user's config directory where ghwatch configuration is stored
	configDirName string = "ghwatch"

	configFileName string = "config.toml"
)

func MustConfigDir() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		panic(fmt.Errorf("cannot obtain user config dir: %w", err))
	}

	return filepath.Join(configDir, configDirName)
}

// DefaultPath is where the configuration file is read from when no path is given
func DefaultPath() string {
	return filepath.Join(MustConfigDir(), configFileName)
}
