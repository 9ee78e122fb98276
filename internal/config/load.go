package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"ptybridge/internal/agent"
	"ptybridge/internal/logging"
	"ptybridge/internal/transcript"
)

const (
	EnvConfig    = "PTYBRIDGE_CONFIG"
	EnvHost      = "PTYBRIDGE_HOST"
	EnvPort      = "PTYBRIDGE_PORT"
	EnvToken     = "PTYBRIDGE_TOKEN"
	EnvAgentsDir = "PTYBRIDGE_AGENTS_DIR"
	EnvLogLevel  = "PTYBRIDGE_LOG_LEVEL"
)

// DefaultFileNames are looked up, in order, when no path is given.
var DefaultFileNames = []string{"ptybridge.toml", "ptybridge.yaml", "ptybridge.yml"}

type LoadOptions struct {
	// Path names the file explicitly. A missing explicit file is an error.
	Path string
	// Dir is searched for DefaultFileNames when Path and PTYBRIDGE_CONFIG
	// are empty.
	Dir    string
	Lookup func(string) (string, bool)
}

// Load reads the configuration file over the defaults and then applies
// environment overrides. Flags are applied by the caller.
func Load(opts LoadOptions) (Config, error) {
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := Default()
	path, explicit := resolvePath(opts, lookup)
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				path = ""
			} else {
				return Config{}, err
			}
		}
	}
	cfg.Path = path
	if err := ApplyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolvePath(opts LoadOptions, lookup func(string) (string, bool)) (string, bool) {
	if path := strings.TrimSpace(opts.Path); path != "" {
		return path, true
	}
	if path, ok := lookup(EnvConfig); ok && strings.TrimSpace(path) != "" {
		return strings.TrimSpace(path), true
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	for _, name := range DefaultFileNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, false
		}
	}
	return "", false
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	raw := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			var parseErr toml.ParseError
			if errors.As(err, &parseErr) {
				return fmt.Errorf("parse config %s: %s", path, parseErr.ErrorWithPosition())
			}
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			sort.Strings(keys)
			return fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}

	for key, keyPath := range map[string][]string{
		"host":       {"server", "host"},
		"port":       {"server", "port"},
		"token":      {"web", "auth_token"},
		"agents-dir": {"agents_dir"},
		"log-level":  {"log_level"},
	} {
		if defined(raw, keyPath...) {
			cfg.Sources[key] = SourceFile
		}
	}
	return nil
}

func defined(raw map[string]any, path ...string) bool {
	current := raw
	for i, key := range path {
		value, ok := current[key]
		if !ok {
			return false
		}
		if i == len(path)-1 {
			return true
		}
		next, ok := value.(map[string]any)
		if !ok {
			return false
		}
		current = next
	}
	return false
}

// ApplyEnv applies PTYBRIDGE_* overrides.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg.Sources == nil {
		cfg.Sources = map[string]Source{}
	}
	if value, ok := lookupTrimmed(lookup, EnvHost); ok {
		cfg.Server.Host = value
		cfg.Sources["host"] = SourceEnv
	}
	if value, ok := lookupTrimmed(lookup, EnvPort); ok {
		port, err := strconv.Atoi(value)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s %q", EnvPort, value)
		}
		cfg.Server.Port = port
		cfg.Sources["port"] = SourceEnv
	}
	if value, ok := lookupTrimmed(lookup, EnvToken); ok {
		cfg.Web.AuthToken = value
		cfg.Sources["token"] = SourceEnv
	}
	if value, ok := lookupTrimmed(lookup, EnvAgentsDir); ok {
		cfg.AgentsDir = value
		cfg.Sources["agents-dir"] = SourceEnv
	}
	if value, ok := lookupTrimmed(lookup, EnvLogLevel); ok {
		if _, valid := logging.ParseLevel(value); !valid {
			return fmt.Errorf("invalid %s %q", EnvLogLevel, value)
		}
		cfg.LogLevel = value
		cfg.Sources["log-level"] = SourceEnv
	}
	return nil
}

func lookupTrimmed(lookup func(string) (string, bool), key string) (string, bool) {
	value, ok := lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// ResolvedAgentsDir interprets a relative agents_dir against the directory
// of the config file it came from.
func (c Config) ResolvedAgentsDir() string {
	dir := strings.TrimSpace(c.AgentsDir)
	if strings.HasPrefix(dir, "~") {
		return transcript.ExpandHome(dir)
	}
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	if c.Sources["agents-dir"] == SourceFile && c.Path != "" {
		return filepath.Join(filepath.Dir(c.Path), dir)
	}
	return dir
}

// Registry layers built-in descriptors, the agents directory and inline
// [agents.<name>] tables, in that order.
func (c Config) Registry() (*agent.Registry, error) {
	fromDir, err := agent.Loader{}.Load(c.ResolvedAgentsDir())
	if err != nil {
		return nil, err
	}
	inline := make(map[string]agent.Descriptor, len(c.Agents))
	for name, descriptor := range c.Agents {
		if descriptor.Name == "" {
			descriptor.Name = name
		}
		inline[name] = descriptor
	}
	return agent.NewRegistry(fromDir, inline)
}
