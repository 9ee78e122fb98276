package agent

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"ptybridge/internal/schema"
)

var (
	descriptorSchemaOnce sync.Once
	descriptorSchema     *jsonschema.Schema
)

// DescriptorSchema is the closed schema agent files are checked against.
func DescriptorSchema() *jsonschema.Schema {
	descriptorSchemaOnce.Do(func() {
		descriptorSchema = schema.GenerateWithTag(Descriptor{}, "toml")
	})
	return descriptorSchema
}

// Loader reads one descriptor per file from an agents directory.
type Loader struct{}

// Load scans dir for *.toml, *.yaml and *.yml files and returns descriptors
// keyed by name. The file stem names the agent unless the file sets name.
// A missing directory yields an empty map.
func (l Loader) Load(dir string) (map[string]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Descriptor{}, nil
		}
		return nil, fmt.Errorf("read agents dir: %w", err)
	}

	descriptors := make(map[string]Descriptor)
	sources := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".toml" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agent file %s: %w", path, err)
		}
		descriptor, err := LoadBytes(path, data)
		if err != nil {
			return nil, err
		}
		if previous, exists := sources[descriptor.Name]; exists {
			return nil, fmt.Errorf("duplicate agent %q in %s and %s", descriptor.Name, filepath.Base(previous), entry.Name())
		}
		sources[descriptor.Name] = path
		descriptors[descriptor.Name] = descriptor
	}
	return descriptors, nil
}

// LoadBytes decodes a single descriptor file. Only the keys present in the
// file are set, so the result can be merged over a built-in.
func LoadBytes(filePath string, data []byte) (Descriptor, error) {
	raw := map[string]any{}
	var decode func(*Descriptor) error
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return Descriptor{}, formatParseError(filePath, err)
		}
		decode = func(descriptor *Descriptor) error {
			_, err := toml.Decode(string(data), descriptor)
			return err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Descriptor{}, formatParseError(filePath, err)
		}
		decode = func(descriptor *Descriptor) error {
			return yaml.Unmarshal(data, descriptor)
		}
	default:
		return Descriptor{}, fmt.Errorf("unsupported agent config extension %q", filepath.Ext(filePath))
	}

	// Validate the untyped document first so type mismatches report the
	// key and line instead of a decoder error.
	if err := schema.ValidateObject(DescriptorSchema(), raw); err != nil {
		name, _ := raw["name"].(string)
		return Descriptor{}, formatValidationError(name, filePath, data, err)
	}
	var descriptor Descriptor
	if err := decode(&descriptor); err != nil {
		return Descriptor{}, formatParseError(filePath, err)
	}
	if strings.TrimSpace(descriptor.Name) == "" {
		descriptor.Name = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}
	return descriptor, nil
}

func formatParseError(filePath string, err error) error {
	var parseErr toml.ParseError
	if errors.As(err, &parseErr) {
		return fmt.Errorf("parse agent file %s: %s", filePath, parseErr.ErrorWithPosition())
	}
	return fmt.Errorf("parse agent file %s: %w", filePath, err)
}

// formatValidationError points at the offending line when the key can be
// found in the source.
func formatValidationError(name, filePath string, data []byte, err error) error {
	location := filepath.Base(filePath)
	if name != "" {
		location = fmt.Sprintf("agent %q in %s", name, location)
	}
	var vErr *schema.ValidationError
	if !errors.As(err, &vErr) {
		return fmt.Errorf("%s: %w", location, err)
	}
	if line := lineForKey(data, vErr.Path); line > 0 {
		location = fmt.Sprintf("%s:%d", location, line)
	}
	return fmt.Errorf("%s: %w", location, err)
}

func lineForKey(data []byte, keyPath string) int {
	key := strings.TrimSpace(keyPath)
	if key == "" {
		return 0
	}
	if idx := strings.Index(key, "["); idx != -1 {
		key = key[:idx]
	}
	if idx := strings.LastIndex(key, "."); idx != -1 {
		key = key[idx+1:]
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if strings.HasPrefix(text, key) && (strings.Contains(text, "=") || strings.Contains(text, ":")) {
			return line
		}
	}
	return 0
}
