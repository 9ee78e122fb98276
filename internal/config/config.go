// Package config loads the server configuration from ptybridge.toml or
// ptybridge.yaml and applies environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"ptybridge/internal/agent"
	"ptybridge/internal/logging"
)

const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8765
	DefaultOutputBufferSize = 10 * 1024 * 1024
	DefaultInputRate        = 50.0
	DefaultAgentsDir        = "agents"
)

type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

type Config struct {
	Server    Server                      `toml:"server" yaml:"server"`
	Timeouts  Timeouts                    `toml:"timeouts" yaml:"timeouts"`
	Web       Web                         `toml:"web" yaml:"web"`
	LogLevel  string                      `toml:"log_level" yaml:"log_level"`
	AgentsDir string                      `toml:"agents_dir" yaml:"agents_dir"`
	Agents    map[string]agent.Descriptor `toml:"agents" yaml:"agents"`

	// Path is the file the configuration was read from, empty when only
	// defaults apply.
	Path    string            `toml:"-" yaml:"-"`
	Sources map[string]Source `toml:"-" yaml:"-"`
}

type Server struct {
	Host string `toml:"host" yaml:"host"`
	Port int    `toml:"port" yaml:"port"`
	// Web serves the HTTP viewer and status API next to the stdio server.
	Web bool `toml:"web" yaml:"web"`
}

type Timeouts struct {
	DefaultSeconds    int `toml:"default" yaml:"default"`
	MaxSeconds        int `toml:"max" yaml:"max"`
	StartupSeconds    int `toml:"startup" yaml:"startup"`
	MaxStuckSeconds   int `toml:"max_stuck" yaml:"max_stuck"`
	StartRetries      int `toml:"start_retries" yaml:"start_retries"`
	StartRetryDelayMS int `toml:"start_retry_delay_ms" yaml:"start_retry_delay_ms"`
	SettleMS          int `toml:"settle_ms" yaml:"settle_ms"`
	DebounceMS        int `toml:"debounce_ms" yaml:"debounce_ms"`
	PollMS            int `toml:"poll_ms" yaml:"poll_ms"`
	TerminateGraceMS  int `toml:"terminate_grace_ms" yaml:"terminate_grace_ms"`
}

type Web struct {
	AuthToken        string  `toml:"auth_token" yaml:"auth_token"`
	InputEnabled     bool    `toml:"input_enabled" yaml:"input_enabled"`
	OutputBufferSize int     `toml:"output_buffer_size" yaml:"output_buffer_size"`
	InputRate        float64 `toml:"input_rate" yaml:"input_rate"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: Server{Host: DefaultHost, Port: DefaultPort, Web: true},
		Timeouts: Timeouts{
			DefaultSeconds:    600,
			MaxSeconds:        3600,
			StartupSeconds:    30,
			MaxStuckSeconds:   300,
			StartRetries:      3,
			StartRetryDelayMS: 1000,
			SettleMS:          3000,
			DebounceMS:        150,
			PollMS:            1000,
			TerminateGraceMS:  2000,
		},
		Web: Web{
			OutputBufferSize: DefaultOutputBufferSize,
			InputRate:        DefaultInputRate,
		},
		LogLevel:  string(logging.LevelInfo),
		AgentsDir: DefaultAgentsDir,
		Sources:   map[string]Source{},
	}
}

// Validate checks ranges after every layer has been applied.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host: must not be empty")
	}
	positive := []struct {
		name  string
		value int
	}{
		{"timeouts.default", c.Timeouts.DefaultSeconds},
		{"timeouts.max", c.Timeouts.MaxSeconds},
		{"timeouts.startup", c.Timeouts.StartupSeconds},
		{"timeouts.max_stuck", c.Timeouts.MaxStuckSeconds},
		{"timeouts.settle_ms", c.Timeouts.SettleMS},
		{"timeouts.debounce_ms", c.Timeouts.DebounceMS},
		{"timeouts.poll_ms", c.Timeouts.PollMS},
		{"timeouts.terminate_grace_ms", c.Timeouts.TerminateGraceMS},
		{"web.output_buffer_size", c.Web.OutputBufferSize},
	}
	for _, field := range positive {
		if field.value <= 0 {
			return fmt.Errorf("%s: must be > 0", field.name)
		}
	}
	if c.Timeouts.StartRetries < 0 || c.Timeouts.StartRetryDelayMS < 0 {
		return fmt.Errorf("timeouts.start_retries: must not be negative")
	}
	if c.Timeouts.DefaultSeconds > c.Timeouts.MaxSeconds {
		return fmt.Errorf("timeouts.default: %ds exceeds timeouts.max %ds", c.Timeouts.DefaultSeconds, c.Timeouts.MaxSeconds)
	}
	if c.Web.InputRate < 0 {
		return fmt.Errorf("web.input_rate: must not be negative")
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	return nil
}

// AgentTimeouts are the server-wide budgets descriptors fall back to.
func (c Config) AgentTimeouts() agent.Timeouts {
	return agent.Timeouts{
		Default: seconds(c.Timeouts.DefaultSeconds),
		Max:     seconds(c.Timeouts.MaxSeconds),
		Startup: seconds(c.Timeouts.StartupSeconds),
		Settle:  millis(c.Timeouts.SettleMS),
	}
}

func (t Timeouts) MaxStuck() time.Duration        { return seconds(t.MaxStuckSeconds) }
func (t Timeouts) StartRetryDelay() time.Duration { return millis(t.StartRetryDelayMS) }
func (t Timeouts) Debounce() time.Duration        { return millis(t.DebounceMS) }
func (t Timeouts) Poll() time.Duration            { return millis(t.PollMS) }
func (t Timeouts) TerminateGrace() time.Duration  { return millis(t.TerminateGraceMS) }

// Addr is the HTTP listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func seconds(value int) time.Duration { return time.Duration(value) * time.Second }
func millis(value int) time.Duration  { return time.Duration(value) * time.Millisecond }
