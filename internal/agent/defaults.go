package agent

import "sort"

// Builtins returns the descriptors available without any configuration.
// Ready patterns match the idle prompt each CLI draws once it accepts input.
func Builtins() map[string]Descriptor {
	return map[string]Descriptor{
		"codex": {
			Name:          "codex",
			Description:   "OpenAI Codex CLI; replies read from its JSONL rollout",
			Command:       "codex",
			ReadyPattern:  `(?i)(to get started|send a message|context left)`,
			ErrorPatterns: []string{`(?i)not logged in`, `(?i)please log in`},
			Source:        "codex",
			LogPath:       "~/.codex/sessions",
			StateDB:       "~/.codex/state_5.sqlite",
		},
		"gemini": {
			Name:          "gemini",
			Description:   "Google Gemini CLI; replies read from its chat JSON",
			Command:       "gemini",
			ReadyPattern:  `(?i)type your message`,
			ErrorPatterns: []string{`(?i)authentication required`},
			Source:        "gemini",
			LogPath:       "~/.gemini/tmp",
		},
		"opencode": {
			Name:         "opencode",
			Description:  "opencode CLI; replies read from its session JSON",
			Command:      "opencode",
			ReadyPattern: `(?i)(ask anything|enter to send)`,
			Source:       "opencode",
			LogPath:      "~/.local/share/opencode/storage",
		},
		"claude": {
			Name:          "claude",
			Description:   "Claude CLI; replies read from the terminal between sentinel markers",
			Command:       "claude",
			ReadyPattern:  `(?i)\? for shortcuts`,
			ErrorPatterns: []string{`(?i)invalid api key`, `(?i)please run /login`},
			Source:        "stream",
		},
	}
}

// BuiltinNames lists the built-in agents in name order.
func BuiltinNames() []string {
	builtins := Builtins()
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
