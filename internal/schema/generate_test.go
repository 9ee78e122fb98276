package schema

import (
	"errors"
	"strings"
	"testing"
)

type generatedConfig struct {
	Command string            `toml:"command" json:"cmd"`
	Args    []string          `toml:"args,omitempty" json:"args,omitempty"`
	Retries int               `toml:"retries,omitempty" json:"retries,omitempty"`
	Env     map[string]string `toml:"env,omitempty" json:"env,omitempty"`
}

func TestGenerateWithTagUsesTagNames(t *testing.T) {
	s := GenerateWithTag(generatedConfig{}, "toml")

	if err := ValidateObject(s, map[string]any{
		"command": "codex",
		"args":    []any{"--quiet"},
		"retries": int64(2),
		"env":     map[string]any{"HOME": "/tmp"},
	}); err != nil {
		t.Fatalf("expected valid document: %v", err)
	}

	err := ValidateObject(s, map[string]any{"command": "codex", "retries": "two"})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if vErr.Path != "retries" || vErr.Expected != "integer" {
		t.Fatalf("unexpected error %+v", vErr)
	}
}

func TestGenerateRejectsUnknownAndMissing(t *testing.T) {
	s := GenerateWithTag(generatedConfig{}, "toml")

	err := ValidateObject(s, map[string]any{"command": "x", "comand": "typo"})
	if err == nil || !strings.Contains(err.Error(), "comand: unknown field") {
		t.Fatalf("expected unknown field error, got %v", err)
	}

	err = ValidateObject(s, map[string]any{"args": []any{}})
	if err == nil || !strings.Contains(err.Error(), "missing required field") {
		t.Fatalf("expected missing field error, got %v", err)
	}
}

func TestGenerateDefaultsToJSONTags(t *testing.T) {
	s := Generate(generatedConfig{})
	if err := ValidateObject(s, map[string]any{"cmd": "run"}); err != nil {
		t.Fatalf("expected json tag name to validate: %v", err)
	}
}

func TestGenerateAnonymousStruct(t *testing.T) {
	s := Generate(struct {
		Agent string `json:"agent"`
		Limit int    `json:"limit,omitempty"`
	}{})

	if err := ValidateObject(s, map[string]any{"agent": "codex", "limit": int64(3)}); err != nil {
		t.Fatalf("expected valid document: %v", err)
	}
	err := ValidateObject(s, map[string]any{"agent": "codex", "extra": true})
	if err == nil || !strings.Contains(err.Error(), "extra: unknown field") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	if err := ValidateObject(s, map[string]any{}); err == nil {
		t.Fatal("expected missing agent to fail")
	}
}

func TestValidateArrayElementPath(t *testing.T) {
	s := GenerateWithTag(generatedConfig{}, "toml")
	err := ValidateObject(s, map[string]any{"command": "x", "args": []any{"ok", 3}})
	if err == nil || !strings.Contains(err.Error(), "args[1]") {
		t.Fatalf("expected indexed path, got %v", err)
	}
}
