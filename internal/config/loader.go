package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is the prefix for every environment override.
	EnvPrefix = "PRGATE_"
)

// Load reads configuration from a YAML file, then overrides with environment
// variables.
//
// Configuration precedence (highest to lowest):
//  1. PRGATE_* environment variables
//  2. YAML config file
//  3. Hardcoded defaults
//
// If path is empty, ./prgate.yaml is used when present, else
// ~/.config/prgate/config.yaml. A missing default file is not an error; a
// missing explicit file is.
//
// # Environment Variable Mapping
//
// The prefix is stripped and the remainder lowercased. A double underscore
// separates nested sections; the first single underscore separates the
// section from the field:
//
//	PRGATE_RUNNER_JOBS             -> runner.jobs
//	PRGATE_RUNNER_RUN_TIMEOUT      -> runner.run_timeout
//	PRGATE_REVIEW_PRIMARY__API_KEY -> review.primary.api_key
//
// # Security Considerations
//
// Files that are group or world writable are rejected, as are files larger
// than 1MB. The file is opened once and validated through its descriptor.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}

	content, err := readConfigFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps PRGATE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	segments := strings.Split(lower, "__")
	segments[0] = strings.Replace(segments[0], "_", ".", 1)
	return strings.Join(segments, ".")
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s: %w", path, os.ErrNotExist)
		}
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

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

func defaultConfigPath() string {
	if _, err := os.Stat("prgate.yaml"); err == nil {
		return "prgate.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "prgate.yaml"
	}
	return filepath.Join(home, ".config", "prgate", "config.yaml")
}

// defaultDataPath returns a path under ~/.local/share/prgate.
func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".prgate", name)
	}
	return filepath.Join(home, ".local", "share", "prgate", name)
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
