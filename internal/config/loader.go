// Package config loads layered dispatch configuration with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. DISPATCH_SCHEDULER_MODE.
const EnvPrefix = "DISPATCH"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed YAML
// returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if globalPath != "" {
		if err := readConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		projectViper := viper.New()
		if err := readConfigFile(projectViper, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	// Environment variable names are case-sensitive, viper map keys are not.
	for agentType, cmd := range cfg.Executors {
		cmd.Env = upperKeys(cmd.Env)
		cfg.Executors[agentType] = cmd
	}
	return cfg, nil
}

// GlobalPath is ~/.dispatch/config.yaml.
func GlobalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".dispatch", "config.yaml"), nil
}

// ProjectPath is .dispatch/config.yaml relative to the working directory.
func ProjectPath() string {
	return filepath.Join(".dispatch", "config.yaml")
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath())
}

// readConfigFile reads path into v. A missing file leaves v untouched.
func readConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// setDefaults registers every default section with v.
func setDefaults(v *viper.Viper) error {
	settings, err := toSettings(DefaultConfig())
	if err != nil {
		return err
	}
	for key, val := range settings {
		v.SetDefault(key, val)
	}
	return nil
}

// toSettings converts cfg into the generic map viper works with. Durations
// become strings such as "30s".
func toSettings(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	var settings map[string]any
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("converting config: %w", err)
	}
	return settings, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func upperKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}
