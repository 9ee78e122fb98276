package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"ptybridge/internal/pty"
	"ptybridge/internal/schema"
	"ptybridge/internal/sentinel"
	"ptybridge/internal/transcript"
)

const (
	FallbackNone   = "none"
	FallbackLatest = "latest"

	DefaultSubmit    = "\r"
	DefaultInterrupt = "\x03"

	maxTerminalSize = 500
)

// Descriptor describes one kind of agent: how to launch it, how to tell it
// is ready, and where its replies come from. A zero value field falls back
// to the server-wide default.
type Descriptor struct {
	Name        string `toml:"name,omitempty" yaml:"name,omitempty" json:"name"`
	Description string `toml:"description,omitempty" yaml:"description,omitempty" json:"description,omitempty"`

	Command string            `toml:"command,omitempty" yaml:"command,omitempty" json:"command"`
	Args    []string          `toml:"args,omitempty" yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty" yaml:"env,omitempty" json:"env,omitempty"`
	Dir     string            `toml:"dir,omitempty" yaml:"dir,omitempty" json:"dir,omitempty"`
	Cols    int               `toml:"cols,omitempty" yaml:"cols,omitempty" json:"cols,omitempty"`
	Rows    int               `toml:"rows,omitempty" yaml:"rows,omitempty" json:"rows,omitempty"`

	ReadyPattern  string   `toml:"ready_pattern,omitempty" yaml:"ready_pattern,omitempty" json:"ready_pattern,omitempty"`
	ErrorPatterns []string `toml:"error_patterns,omitempty" yaml:"error_patterns,omitempty" json:"error_patterns,omitempty"`

	// Source is "stream" or the transcript format the agent writes.
	Source  string `toml:"source,omitempty" yaml:"source,omitempty" json:"source"`
	LogPath string `toml:"log_path,omitempty" yaml:"log_path,omitempty" json:"log_path,omitempty"`
	StateDB string `toml:"state_db,omitempty" yaml:"state_db,omitempty" json:"state_db,omitempty"`

	PromptTemplate string `toml:"prompt_template,omitempty" yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
	DoneTemplate   string `toml:"done_template,omitempty" yaml:"done_template,omitempty" json:"done_template,omitempty"`
	DoneRegex      string `toml:"done_regex,omitempty" yaml:"done_regex,omitempty" json:"done_regex,omitempty"`

	Submit            string `toml:"submit,omitempty" yaml:"submit,omitempty" json:"-"`
	Interrupt         string `toml:"interrupt,omitempty" yaml:"interrupt,omitempty" json:"-"`
	WriteChunkSize    int    `toml:"write_chunk_size,omitempty" yaml:"write_chunk_size,omitempty" json:"write_chunk_size,omitempty"`
	WriteChunkDelayMS int    `toml:"write_chunk_delay_ms,omitempty" yaml:"write_chunk_delay_ms,omitempty" json:"write_chunk_delay_ms,omitempty"`

	// Timeouts are in seconds.
	DefaultTimeout int `toml:"default_timeout,omitempty" yaml:"default_timeout,omitempty" json:"default_timeout,omitempty"`
	MaxTimeout     int `toml:"max_timeout,omitempty" yaml:"max_timeout,omitempty" json:"max_timeout,omitempty"`
	StartupTimeout int `toml:"startup_timeout,omitempty" yaml:"startup_timeout,omitempty" json:"startup_timeout,omitempty"`

	Fallback string `toml:"fallback,omitempty" yaml:"fallback,omitempty" json:"fallback,omitempty"`
	SettleMS int    `toml:"settle_ms,omitempty" yaml:"settle_ms,omitempty" json:"settle_ms,omitempty"`
}

// Validate reports the first invalid field as a *schema.ValidationError.
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return &schema.ValidationError{Path: "name", Message: "agent name is required"}
	}
	if strings.ContainsAny(d.Name, " /\\\t\n") {
		return &schema.ValidationError{Path: "name", Message: fmt.Sprintf("invalid agent name %q", d.Name)}
	}
	if strings.TrimSpace(d.Command) == "" {
		return &schema.ValidationError{Path: "command", Message: "command is required"}
	}
	if _, err := d.ReadyRegexp(); err != nil {
		return &schema.ValidationError{Path: "ready_pattern", Message: err.Error()}
	}
	for i, pattern := range d.ErrorPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return &schema.ValidationError{Path: fmt.Sprintf("error_patterns[%d]", i), Message: err.Error()}
		}
	}
	switch source := d.SourceName(); {
	case source == transcript.SourceStream, transcript.IsTranscriptSource(source):
	default:
		return &schema.ValidationError{Path: "source", Expected: "stream, codex, gemini or opencode", Actual: "string", ActualValue: d.Source}
	}
	if _, err := d.Protocol(); err != nil {
		return &schema.ValidationError{Path: "prompt_template", Message: err.Error()}
	}
	switch d.FallbackPolicy() {
	case FallbackNone, FallbackLatest:
	default:
		return &schema.ValidationError{Path: "fallback", Expected: "none or latest", Actual: "string", ActualValue: d.Fallback}
	}
	for _, field := range []struct {
		path  string
		value int
	}{
		{"default_timeout", d.DefaultTimeout},
		{"max_timeout", d.MaxTimeout},
		{"startup_timeout", d.StartupTimeout},
		{"settle_ms", d.SettleMS},
		{"write_chunk_size", d.WriteChunkSize},
		{"write_chunk_delay_ms", d.WriteChunkDelayMS},
	} {
		if field.value < 0 {
			return &schema.ValidationError{Path: field.path, Message: "must not be negative"}
		}
	}
	if d.MaxTimeout > 0 && d.DefaultTimeout > d.MaxTimeout {
		return &schema.ValidationError{Path: "default_timeout", Message: "exceeds max_timeout"}
	}
	if d.Cols < 0 || d.Cols > maxTerminalSize || d.Rows < 0 || d.Rows > maxTerminalSize {
		return &schema.ValidationError{Path: "cols", Message: fmt.Sprintf("terminal size must be within 1..%d", maxTerminalSize)}
	}
	return nil
}

// Merge returns d with every non-zero field of override applied.
func (d Descriptor) Merge(override Descriptor) Descriptor {
	merged := d
	setString(&merged.Name, override.Name)
	setString(&merged.Description, override.Description)
	setString(&merged.Command, override.Command)
	if override.Args != nil {
		merged.Args = append([]string(nil), override.Args...)
	}
	if override.Env != nil {
		env := make(map[string]string, len(d.Env)+len(override.Env))
		for key, value := range d.Env {
			env[key] = value
		}
		for key, value := range override.Env {
			env[key] = value
		}
		merged.Env = env
	}
	setString(&merged.Dir, override.Dir)
	setInt(&merged.Cols, override.Cols)
	setInt(&merged.Rows, override.Rows)
	setString(&merged.ReadyPattern, override.ReadyPattern)
	if override.ErrorPatterns != nil {
		merged.ErrorPatterns = append([]string(nil), override.ErrorPatterns...)
	}
	setString(&merged.Source, override.Source)
	setString(&merged.LogPath, override.LogPath)
	setString(&merged.StateDB, override.StateDB)
	setString(&merged.PromptTemplate, override.PromptTemplate)
	setString(&merged.DoneTemplate, override.DoneTemplate)
	setString(&merged.DoneRegex, override.DoneRegex)
	setString(&merged.Submit, override.Submit)
	setString(&merged.Interrupt, override.Interrupt)
	setInt(&merged.WriteChunkSize, override.WriteChunkSize)
	setInt(&merged.WriteChunkDelayMS, override.WriteChunkDelayMS)
	setInt(&merged.DefaultTimeout, override.DefaultTimeout)
	setInt(&merged.MaxTimeout, override.MaxTimeout)
	setInt(&merged.StartupTimeout, override.StartupTimeout)
	setString(&merged.Fallback, override.Fallback)
	setInt(&merged.SettleMS, override.SettleMS)
	return merged
}

func (d *Descriptor) SourceName() string {
	source := strings.ToLower(strings.TrimSpace(d.Source))
	if source == "" {
		return transcript.SourceStream
	}
	return source
}

func (d *Descriptor) UsesTranscript() bool {
	return transcript.IsTranscriptSource(d.SourceName())
}

// TranscriptOptions describes where the agent's transcript lives.
func (d *Descriptor) TranscriptOptions() transcript.Options {
	return transcript.Options{Source: d.SourceName(), LogPath: d.LogPath, StateDB: d.StateDB}
}

func (d *Descriptor) FallbackPolicy() string {
	fallback := strings.ToLower(strings.TrimSpace(d.Fallback))
	if fallback == "" {
		return FallbackLatest
	}
	return fallback
}

// ReadyRegexp returns nil when no ready pattern is configured.
func (d *Descriptor) ReadyRegexp() (*regexp.Regexp, error) {
	if strings.TrimSpace(d.ReadyPattern) == "" {
		return nil, nil
	}
	return regexp.Compile(d.ReadyPattern)
}

func (d *Descriptor) ErrorRegexps() ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(d.ErrorPatterns))
	for _, pattern := range d.ErrorPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("error pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func (d *Descriptor) Protocol() (*sentinel.Protocol, error) {
	return sentinel.New(sentinel.Options{
		PromptTemplate: d.PromptTemplate,
		DoneTemplate:   d.DoneTemplate,
		DoneRegex:      d.DoneRegex,
	})
}

// PtyCommand builds the launch command. Env entries are sorted so the
// child sees a stable environment.
func (d *Descriptor) PtyCommand() pty.Command {
	keys := make([]string, 0, len(d.Env))
	for key := range d.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+d.Env[key])
	}
	dir := d.Dir
	if dir != "" {
		dir = transcript.Normalize(dir)
	}
	return pty.Command{
		Path: d.Command,
		Args: append([]string(nil), d.Args...),
		Dir:  dir,
		Env:  env,
		Cols: uint16(d.Cols),
		Rows: uint16(d.Rows),
	}
}

func (d *Descriptor) LineOptions() pty.LineOptions {
	submit := d.Submit
	if submit == "" {
		submit = DefaultSubmit
	}
	return pty.LineOptions{
		Submit:     submit,
		ChunkSize:  d.WriteChunkSize,
		ChunkDelay: time.Duration(d.WriteChunkDelayMS) * time.Millisecond,
	}
}

func (d *Descriptor) InterruptSequence() string {
	if d.Interrupt == "" {
		return DefaultInterrupt
	}
	return d.Interrupt
}

// Timeouts resolves the descriptor's timeouts against server defaults.
func (d *Descriptor) Timeouts(defaults Timeouts) Timeouts {
	resolved := defaults
	if d.DefaultTimeout > 0 {
		resolved.Default = time.Duration(d.DefaultTimeout) * time.Second
	}
	if d.MaxTimeout > 0 {
		resolved.Max = time.Duration(d.MaxTimeout) * time.Second
	}
	if d.StartupTimeout > 0 {
		resolved.Startup = time.Duration(d.StartupTimeout) * time.Second
	}
	if d.SettleMS > 0 {
		resolved.Settle = time.Duration(d.SettleMS) * time.Millisecond
	}
	if resolved.Max > 0 && resolved.Default > resolved.Max {
		resolved.Default = resolved.Max
	}
	return resolved
}

// Timeouts groups the per-agent time budgets.
type Timeouts struct {
	Default time.Duration
	Max     time.Duration
	Startup time.Duration
	Settle  time.Duration
}

// Clamp picks the timeout for a request: requested when positive, the
// default otherwise, never above Max.
func (t Timeouts) Clamp(requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		timeout = t.Default
	}
	if t.Max > 0 && timeout > t.Max {
		timeout = t.Max
	}
	return timeout
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func setInt(target *int, value int) {
	if value != 0 {
		*target = value
	}
}
