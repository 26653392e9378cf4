package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/kiln/errors"
)

// ProjectConfigName is the file searched for from the working directory upward
const ProjectConfigName = "am.toml"

// SystemConfigPath is the lowest-precedence config file
const SystemConfigPath = "/etc/kiln/am.toml"

// ConfigEnvVar names an extra config file merged last, above the project file
const ConfigEnvVar = "KILN_CONFIG"

// loader caches the merged configuration for the process. The config
// watcher resets it from its own goroutine, hence the lock.
var loader struct {
	sync.Mutex
	cfg   *Config
	files []string
}

// Load returns the merged configuration, reading it on first use.
// Sources in increasing precedence: defaults, SystemConfigPath, the user
// file, the nearest project am.toml, $KILN_CONFIG, then KILN_* variables.
func Load() (*Config, error) {
	loader.Lock()
	defer loader.Unlock()

	if loader.cfg != nil {
		return loader.cfg, nil
	}

	v := viper.New()
	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindEnvVars(v)
	SetDefaults(v)

	files, err := mergeConfigFiles(v, searchPaths())
	if err != nil {
		return nil, err
	}
	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}

	loader.cfg = cfg
	loader.files = files
	return cfg, nil
}

// LoadWithViper decodes a Config from an already populated Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	return &cfg, nil
}

// LoadFromFile reads one file over the defaults, ignoring env and other files
func LoadFromFile(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	v := viper.New()
	SetDefaults(v)
	if _, err := mergeConfigFiles(v, []string{configPath}); err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

// Reset drops the cached configuration so the next Load rereads every source
func Reset() {
	loader.Lock()
	loader.cfg = nil
	loader.files = nil
	loader.Unlock()
}

// LoadedFiles returns the files merged by the current configuration,
// lowest precedence first. It loads the configuration if needed.
func LoadedFiles() []string {
	if _, err := Load(); err != nil {
		return nil
	}
	loader.Lock()
	defer loader.Unlock()
	return append([]string(nil), loader.files...)
}

// UserConfigPath returns ~/.kiln/am.toml, or "" without a home directory
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kiln", ProjectConfigName)
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	return cfg.GetDatabasePath(), nil
}

func searchPaths() []string {
	paths := []string{SystemConfigPath}
	if p := UserConfigPath(); p != "" {
		paths = append(paths, p)
	}
	if p := findProjectConfig(); p != "" {
		paths = append(paths, p)
	}
	if p := os.Getenv(ConfigEnvVar); p != "" {
		paths = append(paths, p)
	}
	return paths
}

// findProjectConfig returns the nearest am.toml at or above the working directory
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ProjectConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles layers each existing file onto v in order. Missing files
// are skipped; a file that exists but does not parse is an error naming it.
func mergeConfigFiles(v *viper.Viper, paths []string) ([]string, error) {
	var merged []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		file := viper.New()
		file.SetConfigFile(p)
		file.SetConfigType("toml")
		if err := file.ReadInConfig(); err != nil {
			return merged, errors.WithHint(
				errors.Wrapf(err, "failed to parse config file %s", p),
				"fix the TOML syntax or move the file aside")
		}
		if err := v.MergeConfigMap(file.AllSettings()); err != nil {
			return merged, errors.Wrapf(err, "failed to merge config file %s", p)
		}
		merged = append(merged, p)
	}
	return merged, nil
}
