package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the given file, or searches the
// standard locations when path is empty. Environment variables with
// the CONVEYOR_ prefix override file values. A missing file is not an
// error; the built-in defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conveyor")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".conveyor"))
		}
	}

	v.SetEnvPrefix("CONVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if path != "" || !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	baseDir := "."
	if used := v.ConfigFileUsed(); used != "" {
		baseDir = filepath.Dir(used)
	}
	if err := cfg.resolvePrompts(baseDir); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults seeds viper with the built-in configuration so partial
// files and env overrides merge on top of it.
func setDefaults(v *viper.Viper) {
	defaults, err := Default().Snapshot()
	if err != nil {
		return
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// resolvePrompts loads role prompt files relative to the config
// directory. An inline prompt wins over a file reference.
func (c *Config) resolvePrompts(baseDir string) error {
	for name, role := range c.Roles {
		if role.Prompt != "" || role.PromptFile == "" {
			continue
		}
		file := role.PromptFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to load prompt for role %q: %w", name, err)
		}
		role.Prompt = strings.TrimSpace(string(data))
		c.Roles[name] = role
	}
	return nil
}

// WriteDefault writes the built-in configuration to path as YAML.
// Refuses to clobber an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !os.IsNotExist(err) {
		return err
	}

	raw, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to render default config: %w", err)
	}
	header := "# conveyor configuration\n# Generated defaults; edit to taste.\n\n"
	if err := os.WriteFile(path, append([]byte(header), raw...), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
