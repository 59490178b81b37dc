package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "MEDAGENT_"
)

// Load reads configuration from path, then overrides it with environment
// variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MEDAGENT_RESEARCH_MAX_ITERATIONS, ...)
//  2. Config file, YAML or TOML by extension
//  3. Defaults
//
// An empty path means ~/.config/medagent/config.yaml when that file exists.
// Files must live under ~/.config/medagent/, /etc/medagent/ or the working
// directory, have 0600 or 0400 permissions and be at most 1MB.
//
// Environment variables map to keys as follows:
//
//	MEDAGENT_LLM_API_KEY                  -> llm.api_key
//	MEDAGENT_SOURCES_PUBMED_API_KEY       -> sources.pubmed.api_key
//	MEDAGENT_SOURCES_CLINICAL_TRIALS_PAGE_SIZE -> sources.clinical_trials.page_size
//	MEDAGENT_CACHE_REDIS_ADDR             -> cache.redis.addr
func Load(path string) (*Config, error) {
	var (
		content []byte
		format  string
	)

	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".config", "medagent", "config.yaml")
	}

	if _, err := os.Stat(path); err == nil {
		if err := validateConfigPath(path); err != nil {
			return nil, fmt.Errorf("config path validation failed: %w", err)
		}
		content, err = readConfigFile(path)
		if err != nil {
			return nil, err
		}
		format = formatOf(path)
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return Parse(content, format)
}

// Parse builds a configuration from file content in format ("yaml" or
// "toml"), applying environment overrides, defaults and validation. Empty
// content yields the defaults.
func Parse(content []byte, format string) (*Config, error) {
	k := koanf.New(".")

	if len(bytes.TrimSpace(content)) > 0 {
		parser, err := parserFor(format)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), parser); err != nil {
			return nil, fmt.Errorf("failed to parse %s config: %w", format, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// nestedSections lists sections whose fields are grouped one level deeper.
var nestedSections = map[string][]string{
	"sources": {"clinical_trials", "pubmed", "chembl"},
	"cache":   {"redis"},
}

// envKey maps MEDAGENT_SECTION_FIELD_NAME to section.field_name.
//
// Strategy: split on the first underscore (section.field_name), then for
// sections with named subsections split the subsection off the field.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	section, field := parts[0], parts[1]

	for _, sub := range nestedSections[section] {
		if strings.HasPrefix(field, sub+"_") {
			return section + "." + sub + "." + strings.TrimPrefix(field, sub+"_")
		}
	}
	return section + "." + field
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

func parserFor(format string) (koanf.Parser, error) {
	switch format {
	case "", "yaml", "yml":
		return yaml.Parser(), nil
	case "toml":
		return tomlParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
}

// tomlParser is a koanf.Parser backed by BurntSushi/toml.
type tomlParser struct{}

func (tomlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if _, err := toml.Decode(string(b), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(o map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readConfigFile opens path once and validates it through the open
// descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/medagent with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "medagent")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks that path, after resolving symlinks, lies in an
// allowed directory.
func validateConfigPath(path string) error {
	resolved, err := resolve(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	var allowed []string
	if home, err := os.UserHomeDir(); err == nil {
		allowed = append(allowed, filepath.Join(home, ".config", "medagent"))
	}
	allowed = append(allowed, "/etc/medagent")
	if wd, err := os.Getwd(); err == nil {
		allowed = append(allowed, wd)
	}

	for _, dir := range allowed {
		dir, err := resolve(dir)
		if err != nil {
			continue
		}
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/medagent/, /etc/medagent/ or the working directory")
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return abs, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
