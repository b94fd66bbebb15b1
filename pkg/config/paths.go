package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// AppDirName names the per-user directories.
const AppDirName = "pkgengine"

// Paths are the per-user default locations.
type Paths struct {
	ConfigDir    string
	ConfigFile   string
	SettingsFile string
	IndexFile    string
	BuildDir     string
	StateDir     string
}

// DefaultPaths resolves the XDG base directories.
func DefaultPaths() Paths {
	configDir := filepath.Join(xdg.ConfigHome, AppDirName)
	cacheDir := filepath.Join(xdg.CacheHome, AppDirName)
	return Paths{
		ConfigDir:    configDir,
		ConfigFile:   filepath.Join(configDir, "config.yaml"),
		SettingsFile: filepath.Join(configDir, "sources.json"),
		IndexFile:    filepath.Join(cacheDir, "index.db"),
		BuildDir:     filepath.Join(cacheDir, "build"),
		StateDir:     filepath.Join(xdg.StateHome, AppDirName),
	}
}
