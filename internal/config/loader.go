package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates and validates the configuration at configPath.
// configPath may name a directory containing config.yaml. When a .checksums
// manifest sits next to the file, every pinned file must match it.
func Load(configPath string) (*Config, error) {
	cfg, _, err := LoadVerified(configPath)
	return cfg, err
}

// LoadVerified is Load that also reports the integrity outcome, including
// warnings that do not fail the load.
func LoadVerified(configPath string) (*Config, *IntegrityResult, error) {
	cfg, raw, err := readConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	integrity, err := verifyPinned(cfg, raw)
	if err != nil {
		return nil, nil, err
	}
	if !integrity.Passed {
		return nil, integrity, fmt.Errorf("configuration integrity check failed: %s", strings.Join(integrity.Errors, "; "))
	}

	if err := Validate(cfg); err != nil {
		return nil, integrity, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, integrity, nil
}

// readConfig parses config.yaml at configPath with paths resolved, returning
// the raw bytes that were parsed.
func readConfig(configPath string) (*Config, []byte, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, ConfigFilename)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	cfg.Path = absPath
	cfg.resolvePaths(filepath.Dir(absPath))
	return cfg, data, nil
}

// Parse decodes YAML on top of Defaults after ${VAR} interpolation. It does
// not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConf{}
	}
	return cfg, nil
}

// resolvePaths makes relative file paths relative to the config directory.
func (c *Config) resolvePaths(baseDir string) {
	for _, p := range []*string{&c.Database.Path, &c.Staging.Dir, &c.Agent.PIDFile, &c.Outbox.Path, &c.Transfer.KnownHosts} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
}

// PluginEnabled reports whether the named plugin is enabled.
func (c *Config) PluginEnabled(name string) bool {
	pc, ok := c.Plugins[name]
	return ok && pc.Enabled
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
