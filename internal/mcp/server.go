// Package mcp serves the orchestrator as Model Context Protocol tools over
// newline-delimited JSON-RPC 2.0 on stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"ptybridge/internal/agent"
	"ptybridge/internal/logging"
	"ptybridge/internal/orchestrator"
	"ptybridge/internal/transcript"
)

const maxMessageBytes = 4 * 1024 * 1024

// Backend is the part of orchestrator.Manager the tools use.
type Backend interface {
	Ask(ctx context.Context, name, message string, timeout time.Duration) (orchestrator.Reply, error)
	AskMany(ctx context.Context, requests []orchestrator.Request, timeout time.Duration) ([]orchestrator.Result, error)
	Agents() []agent.Descriptor
	Statuses() []orchestrator.Status
	Status(name string) (orchestrator.Status, error)
	Stop(name string) error
	History(name string, count int) ([]transcript.Entry, error)
}

type Options struct {
	Backend Backend
	Logger  *logging.Logger
	Name    string
	Version string
}

// Server answers one client. Tool calls run concurrently; everything
// written to the client goes through writeMu.
type Server struct {
	backend Backend
	logger  *logging.Logger
	name    string
	version string

	initialized atomic.Bool

	writeMu sync.Mutex
	encoder *json.Encoder

	callsMu sync.Mutex
	calls   map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	name := opts.Name
	if name == "" {
		name = "ptybridge"
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		backend: opts.Backend,
		logger:  logger.Component("mcp"),
		name:    name,
		version: version,
		calls:   make(map[string]context.CancelFunc),
	}
}

// Serve reads requests from in until EOF or ctx is done. At EOF it waits
// for running tool calls to answer; on cancellation it cancels them first.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.encoder = json.NewEncoder(out)
	callCtx, cancelCalls := context.WithCancel(ctx)
	defer cancelCalls()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-callCtx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	s.logger.Info("mcp server listening on stdio", nil)
	for {
		select {
		case <-ctx.Done():
			cancelCalls()
			s.wg.Wait()
			return ctx.Err()
		case err := <-readErr:
			s.wg.Wait()
			if err != nil {
				s.logger.Warn("mcp input failed", map[string]string{logging.FieldError: err.Error()})
				return fmt.Errorf("read mcp input: %w", err)
			}
			s.logger.Info("mcp client disconnected", nil)
			return nil
		case line := <-lines:
			if err := s.handleLine(callCtx, line); err != nil {
				cancelCalls()
				s.wg.Wait()
				return err
			}
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) error {
	if len(line) == 0 {
		return nil
	}
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return s.writeError(json.RawMessage("null"), codeParseError, "parse error: "+err.Error())
	}
	if msg.JSONRPC != jsonrpcVersion {
		if msg.isNotification() {
			return nil
		}
		return s.writeError(msg.ID, codeInvalidRequest, "unsupported JSON-RPC version")
	}
	if msg.isNotification() {
		s.handleNotification(&msg)
		return nil
	}

	switch msg.Method {
	case "initialize":
		return s.handleInitialize(&msg)
	case "ping":
		return s.writeResult(msg.ID, map[string]any{})
	case "tools/list":
		if !s.initialized.Load() {
			return s.writeError(msg.ID, codeInvalidRequest, "server not initialized (call initialize first)")
		}
		return s.writeResult(msg.ID, toolsListResult{Tools: describeTools()})
	case "tools/call":
		if !s.initialized.Load() {
			return s.writeError(msg.ID, codeInvalidRequest, "server not initialized (call initialize first)")
		}
		return s.startCall(ctx, &msg)
	default:
		return s.writeError(msg.ID, codeMethodNotFound, "unknown method: "+msg.Method)
	}
}

func (s *Server) handleNotification(msg *message) {
	switch msg.Method {
	case "notifications/initialized":
		s.logger.Debug("mcp client initialized", nil)
	case "notifications/cancelled":
		var params cancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params.RequestID) == 0 {
			return
		}
		s.callsMu.Lock()
		cancel := s.calls[string(params.RequestID)]
		s.callsMu.Unlock()
		if cancel != nil {
			s.logger.Debug("mcp call cancelled by client", map[string]string{"request_id": string(params.RequestID)})
			cancel()
		}
	}
}

func (s *Server) handleInitialize(msg *message) error {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return s.writeError(msg.ID, codeInvalidParams, "invalid initialize params: "+err.Error())
		}
	}
	s.initialized.Store(true)
	fields := map[string]string{"protocol_version": params.ProtocolVersion}
	if params.ClientInfo != nil {
		fields["client"] = params.ClientInfo.Name
	}
	s.logger.Info("mcp client connected", fields)
	return s.writeResult(msg.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    serverCapabilities{Tools: &toolCapability{}},
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		Instructions:    "Use ask_agent to prompt one terminal agent and ask_agents to prompt up to four in parallel.",
	})
}

// startCall validates the call envelope and runs the tool in its own
// goroutine so a slow agent does not block other requests.
func (s *Server) startCall(ctx context.Context, msg *message) error {
	var params toolsCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return s.writeError(msg.ID, codeInvalidParams, "invalid tools/call params: "+err.Error())
	}
	t, ok := findTool(params.Name)
	if !ok {
		return s.writeError(msg.ID, codeInvalidParams, "unknown tool: "+params.Name)
	}

	id := append(json.RawMessage(nil), msg.ID...)
	key := string(id)
	callCtx, cancel := context.WithCancel(ctx)
	s.callsMu.Lock()
	s.calls[key] = cancel
	s.callsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.callsMu.Lock()
			delete(s.calls, key)
			s.callsMu.Unlock()
			cancel()
		}()
		s.runTool(callCtx, id, t, params.Arguments)
	}()
	return nil
}

func (s *Server) runTool(ctx context.Context, id json.RawMessage, t tool, arguments json.RawMessage) {
	started := time.Now()
	result, err := t.handler(ctx, s, arguments)
	fields := map[string]string{
		"tool":     t.name,
		"duration": time.Since(started).Round(time.Millisecond).String(),
	}

	var writeErr error
	var invalid *invalidArguments
	switch {
	case errors.As(err, &invalid):
		fields[logging.FieldError] = invalid.message
		s.logger.Warn("mcp tool arguments rejected", fields)
		writeErr = s.writeError(id, codeInvalidParams, invalid.message)
	case err != nil:
		fields[logging.FieldError] = err.Error()
		s.logger.Error("mcp tool failed", fields)
		writeErr = s.writeError(id, codeInternalError, err.Error())
	default:
		if result.IsError {
			fields[logging.FieldError] = firstText(result)
			s.logger.Warn("mcp tool returned error", fields)
		} else {
			s.logger.Debug("mcp tool completed", fields)
		}
		writeErr = s.writeResult(id, result)
	}
	if writeErr != nil {
		s.logger.Warn("mcp response write failed", map[string]string{logging.FieldError: writeErr.Error()})
	}
}

func firstText(result toolsCallResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	return result.Content[0].Text
}

func (s *Server) writeResult(id json.RawMessage, result any) error {
	return s.write(response{JSONRPC: jsonrpcVersion, ID: id, Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, text string) error {
	return s.write(response{JSONRPC: jsonrpcVersion, ID: id, Error: &rpcError{Code: code, Message: text}})
}

func (s *Server) write(resp response) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.encoder.Encode(resp); err != nil {
		return fmt.Errorf("write mcp response: %w", err)
	}
	return nil
}
