package am

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/logger"
)

// backupGenerations is how many .backN copies are kept beside a config file
const backupGenerations = 3

// ownWrites remembers the digest of the last file content kiln wrote per
// path, so the watcher can tell its own writes from user edits.
var ownWrites = struct {
	sync.Mutex
	sums map[string][sha256.Size]byte
}{sums: make(map[string][sha256.Size]byte)}

func recordOwnWrite(path string, data []byte) {
	ownWrites.Lock()
	ownWrites.sums[filepath.Clean(path)] = sha256.Sum256(data)
	ownWrites.Unlock()
}

func isOwnWrite(path string, data []byte) bool {
	ownWrites.Lock()
	defer ownWrites.Unlock()
	sum, ok := ownWrites.sums[filepath.Clean(path)]
	return ok && sum == sha256.Sum256(data)
}

func backupName(path string, gen int) string {
	return fmt.Sprintf("%s.back%d", path, gen)
}

// createBackup shifts .back1..N up by one generation, dropping the oldest,
// and copies the current file to .back1. A missing file is not an error.
func createBackup(configPath string) error {
	current, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	oldest := backupName(configPath, backupGenerations)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", logger.FieldPath, oldest, logger.FieldError, err)
	}
	for gen := backupGenerations - 1; gen >= 1; gen-- {
		from, to := backupName(configPath, gen), backupName(configPath, gen+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to rotate %s", filepath.Base(from))
		}
	}

	return errors.Wrap(
		os.WriteFile(backupName(configPath, 1), current, DefaultFilePermissions),
		"failed to write .back1")
}

// writeConfigFile replaces configPath via a temp file and rename so a
// watcher never observes a half-written file.
func writeConfigFile(configPath string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(configPath), ".am-*.toml")
	if err != nil {
		return errors.Wrap(err, "failed to create temp config")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write temp config")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp config")
	}
	if err := os.Chmod(tmp.Name(), DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to set config permissions")
	}

	recordOwnWrite(configPath, data)
	return errors.Wrap(os.Rename(tmp.Name(), configPath), "failed to replace config")
}

// WriteDefaults writes a TOML file holding every default setting.
// An existing file is backed up and replaced only when force is set.
func WriteDefaults(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return errors.WithHint(
			errors.NewValidationError("config file already exists: %s", configPath),
			"pass --force to overwrite (the old file is kept as .back1)")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(configPath); err != nil {
		return err
	}

	data, err := toml.Marshal(DefaultsMap())
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	return writeConfigFile(configPath, data)
}

// ReadFileSettings parses a TOML config file into a nested map.
// Used by `am show --file` to display exactly what a file sets.
func ReadFileSettings(configPath string) (map[string]interface{}, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	var settings map[string]interface{}
	if err := toml.Unmarshal(data, &settings); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return settings, nil
}
