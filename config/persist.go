package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/buntime/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before
// modifying a config file.
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete oldest backup")
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// GetLocalConfigPath returns the path of the runtime-managed config file,
// ~/.buntime/config.local.toml. Settings changed through the runtime API
// land here so hand-edited files stay untouched.
func GetLocalConfigPath() string {
	dir := userConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.local.toml")
}

// loadOrInitializeLocalConfig loads the runtime-managed config file, or
// starts an empty document if it does not exist yet.
func loadOrInitializeLocalConfig() (map[string]interface{}, string, error) {
	configPath := GetLocalConfigPath()
	if configPath == "" {
		return nil, "", errors.New("could not determine home directory")
	}

	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrap(err, "failed to parse local config")
		}
	} else {
		config = make(map[string]interface{})
	}

	return config, configPath, nil
}

// saveLocalConfig writes the document back with a backup, marking the
// write as our own so a running watcher does not reload on it.
func saveLocalConfig(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write local config")
	}

	return nil
}

// section returns the named table of the document, creating it when absent.
func section(config map[string]interface{}, name string) map[string]interface{} {
	if s, ok := config[name].(map[string]interface{}); ok {
		return s
	}
	s := make(map[string]interface{})
	config[name] = s
	return s
}

// UpdatePluginsDisabled persists the disabled-plugin list.
func UpdatePluginsDisabled(disabled []string) error {
	config, configPath, err := loadOrInitializeLocalConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load local config")
	}

	plugins := section(config, "plugins")
	plugins["disabled"] = disabled

	return saveLocalConfig(config, configPath)
}

// UpdateLogLevel persists the log level.
func UpdateLogLevel(level string) error {
	config, configPath, err := loadOrInitializeLocalConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load local config")
	}

	log := section(config, "log")
	log["level"] = level

	return saveLocalConfig(config, configPath)
}

// UpdateHranaEnabled persists the database pipeline toggle.
func UpdateHranaEnabled(enabled bool) error {
	config, configPath, err := loadOrInitializeLocalConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load local config")
	}

	hrana := section(config, "hrana")
	hrana["enabled"] = enabled

	return saveLocalConfig(config, configPath)
}
