package main

import (
	"io"
	"testing"

	"ptybridge/internal/config"
	"ptybridge/internal/logging"
)

func TestApplyFlagsOverridesOnlyExplicitFlags(t *testing.T) {
	flags, err := parseFlags([]string{"-port", "9100", "-verbose", "-no-web", "-token", "s3cret"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg := config.Default()
	cfg.Server.Host = "10.0.0.5"
	cfg.Sources["host"] = config.SourceEnv
	applyFlags(&cfg, flags)

	if cfg.Server.Port != 9100 || cfg.Sources["port"] != config.SourceFlag {
		t.Fatalf("expected port from flag, got %d (%s)", cfg.Server.Port, cfg.Sources["port"])
	}
	if cfg.Server.Host != "10.0.0.5" || cfg.Sources["host"] != config.SourceEnv {
		t.Fatalf("unset -host must not override env, got %q (%s)", cfg.Server.Host, cfg.Sources["host"])
	}
	if cfg.Web.AuthToken != "s3cret" {
		t.Fatalf("expected token from flag, got %q", cfg.Web.AuthToken)
	}
	if cfg.LogLevel != string(logging.LevelDebug) {
		t.Fatalf("expected debug level, got %q", cfg.LogLevel)
	}
	if cfg.Server.Web {
		t.Fatalf("expected web disabled")
	}
	if cfg.AgentsDir != config.DefaultAgentsDir {
		t.Fatalf("agents dir changed without flag: %q", cfg.AgentsDir)
	}
}

func TestQuietSelectsWarningLevel(t *testing.T) {
	flags, err := parseFlags([]string{"-quiet"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg := config.Default()
	applyFlags(&cfg, flags)
	if cfg.LogLevel != string(logging.LevelWarning) {
		t.Fatalf("expected warning level, got %q", cfg.LogLevel)
	}
}

func TestParseFlagsHelp(t *testing.T) {
	flags, err := parseFlags([]string{"-h"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.Help || flags.usage == nil {
		t.Fatalf("expected help requested with usage available")
	}
}
