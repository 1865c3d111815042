package config

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrNoConfig is returned by Discover when no candidate file exists.
var ErrNoConfig = errors.New("no config found (checked: --config, $REMOTECTL_CONFIG, ~/.config/remotectl/config.yaml, /etc/remotectl/config.yaml, ./config.yaml)")

// Discover finds the config file. Priority order: the explicit flag value,
// $REMOTECTL_CONFIG, ~/.config/remotectl/config.yaml,
// /etc/remotectl/config.yaml, ./config.yaml.
func Discover(flagValue string) (string, error) {
	// An explicit path is returned as-is so Load can report it missing.
	if flagValue != "" {
		return flagValue, nil
	}

	for _, candidate := range candidates() {
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", ErrNoConfig
}

// LoadDiscovered loads the discovered config, falling back to FromEnv when
// nothing was found and no explicit path was given.
func LoadDiscovered(flagValue string) (*Config, error) {
	path, err := Discover(flagValue)
	if errors.Is(err, ErrNoConfig) {
		return FromEnv()
	}
	if err != nil {
		return nil, err
	}
	return Load(path)
}

func candidates() []string {
	var out []string
	if path := os.Getenv("REMOTECTL_CONFIG"); path != "" {
		out = append(out, path)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(homeDir, ".config", "remotectl", "config.yaml"))
	}
	out = append(out, "/etc/remotectl/config.yaml", "./config.yaml")
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
