package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

const escapedDollar = "\x00ESCAPED_DOLLAR\x00"

// LoadConfig reads, env-substitutes and parses the YAML file at path and
// fills defaults. The result is not validated.
func LoadConfig(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigFromReader parses configuration from r and fills defaults.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return parseConfig(data)
}

// LoadAndValidate loads the file at path and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseConfig(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(content)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} with environment
// values. "$$" produces a literal dollar sign.
func substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", escapedDollar)

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		if value, exists := os.LookupEnv(submatches[1]); exists {
			return value
		}
		if len(submatches) >= 3 {
			return submatches[2]
		}
		return ""
	})

	return strings.ReplaceAll(result, escapedDollar, "$")
}

// ResolveConfigPath resolves a configuration file path, checking the
// working directory, ./configs and /etc/avapool in that order.
func ResolveConfigPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("config file not found: %s", path)
	}

	candidates := []string{
		path,
		filepath.Join("configs", path),
		filepath.Join(string(filepath.Separator), "etc", "avapool", path),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return filepath.Abs(p)
		}
	}

	return "", fmt.Errorf("config file not found: %s", path)
}
