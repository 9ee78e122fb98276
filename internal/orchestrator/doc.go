// Package orchestrator turns interactive terminal agents into a
// request/response service.
//
// Each agent name maps to at most one Instance, a state machine running in
// its own goroutine:
//
//	stopped -> starting -> idle <-> busy
//	    any running state -> dead
//
// An Instance owns its PTY handle and output monitor. Callers never touch
// that state directly: Ask, Start and Stop send messages into the instance
// loop, which is the only writer to the terminal and the only place a
// request is resolved. Requests to the same agent are served FIFO with one
// turn in flight; a reply is matched to a turn by its sentinel.
//
// The Manager resolves names through the agent registry, replaces dead
// instances on the next request and fans out batches with AskMany.
package orchestrator
