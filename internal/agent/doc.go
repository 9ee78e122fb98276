// Package agent defines agent descriptors: how to launch an assistant CLI,
// how to detect that it is ready, and where its replies are read from.
//
// Descriptors come from built-in defaults, inline [agents.<name>] tables in
// the server config, and one file per agent in the agents directory:
//
//	# agents/reviewer.toml
//	command = "claude"
//	args = ["--model", "sonnet"]
//	ready_pattern = '\? for shortcuts'
//	source = "stream"
//	default_timeout = 900
package agent
