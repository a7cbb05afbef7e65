package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "huproof"

// DataDir returns the directory for templates, the store secret, and circuit
// artifacts. HUPROOF_DATA_DIR overrides the platform default.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/huproof/
//   - Linux:   $XDG_DATA_HOME/huproof or ~/.local/share/huproof/
//   - Windows: %APPDATA%\huproof\
func DataDir() string {
	if dir := os.Getenv("HUPROOF_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(home, "AppData", "Roaming", appName)
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home, ".local", "share", appName)
	default:
		return filepath.Join(home, "."+appName)
	}
}

// ConfigDir returns the directory searched for config files.
func ConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", appName)
	default:
		return DataDir()
	}
}

// SupportedConfigFormats lists config file extensions without the dot.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile returns the first config.<ext> found in the working
// directory, the config directory, or the data directory, or "".
func FindConfigFile() string {
	for _, dir := range []string{".", ConfigDir(), DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
