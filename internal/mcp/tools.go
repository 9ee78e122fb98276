package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"ptybridge/internal/orchestrator"
	"ptybridge/internal/schema"
)

type askAgentArgs struct {
	Agent   string `json:"agent" jsonschema:"description=Configured agent name (codex or gemini or opencode or claude or a custom one)"`
	Message string `json:"message" jsonschema:"description=Prompt text sent to the agent"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Seconds to wait for the reply. Zero selects the agent default"`
}

type batchEntry struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
	Timeout int    `json:"timeout,omitempty"`
}

type askAgentsArgs struct {
	Requests []batchEntry `json:"requests" jsonschema:"minItems=1,maxItems=4,description=Up to four prompts dispatched in parallel"`
	Timeout  int          `json:"timeout,omitempty" jsonschema:"description=Seconds to wait for entries without their own timeout"`
}

type agentStatusArgs struct {
	Agent string `json:"agent,omitempty" jsonschema:"description=Agent to report. Omit to report every agent"`
}

type stopAgentArgs struct {
	Agent string `json:"agent"`
}

type agentHistoryArgs struct {
	Agent string `json:"agent"`
	Count int    `json:"count,omitempty" jsonschema:"description=Number of recent transcript entries (default 10)"`
}

type listAgentsArgs struct{}

// agentSummary is one list_agents row.
type agentSummary struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Command     string             `json:"command"`
	Source      string             `json:"source"`
	State       orchestrator.State `json:"state"`
}

type toolHandler func(ctx context.Context, s *Server, raw json.RawMessage) (toolsCallResult, error)

type tool struct {
	name        string
	description string
	args        any
	handler     toolHandler
}

var tools = []tool{
	{
		name:        "ask_agent",
		description: "Send a prompt to a terminal agent and wait for its reply. The agent is started on first use.",
		args:        &askAgentArgs{},
		handler:     handleAskAgent,
	},
	{
		name:        "ask_agents",
		description: "Send up to four prompts to agents in parallel. Each entry succeeds or fails on its own.",
		args:        &askAgentsArgs{},
		handler:     handleAskAgents,
	},
	{
		name:        "list_agents",
		description: "List configured agents and their current state.",
		args:        &listAgentsArgs{},
		handler:     handleListAgents,
	},
	{
		name:        "agent_status",
		description: "Report the lifecycle state of one agent or of all agents.",
		args:        &agentStatusArgs{},
		handler:     handleAgentStatus,
	},
	{
		name:        "stop_agent",
		description: "Terminate a running agent. Pending requests fail.",
		args:        &stopAgentArgs{},
		handler:     handleStopAgent,
	},
	{
		name:        "agent_history",
		description: "Return recent transcript entries of an agent that writes a transcript.",
		args:        &agentHistoryArgs{},
		handler:     handleAgentHistory,
	},
}

func init() {
	for _, t := range tools {
		args := t.args
		if err := schema.Register(schemaName(t.name), func() *jsonschema.Schema {
			return schema.Generate(args)
		}); err != nil {
			panic(err)
		}
	}
}

func schemaName(toolName string) string {
	return "mcp." + toolName
}

func findTool(name string) (tool, bool) {
	for _, t := range tools {
		if t.name == name {
			return t, true
		}
	}
	return tool{}, false
}

func describeTools() []toolDescription {
	out := make([]toolDescription, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolDescription{
			Name:        t.name,
			Description: t.description,
			InputSchema: schema.MustResolve(schemaName(t.name)),
		})
	}
	return out
}

// invalidArguments is returned by handlers for arguments that decode but
// make no sense; the server reports it as invalid params.
type invalidArguments struct {
	message string
}

func (e *invalidArguments) Error() string {
	return e.message
}

// decodeArguments validates raw against the tool schema, then decodes it
// into target.
func decodeArguments(toolName string, raw json.RawMessage, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return &invalidArguments{message: "arguments must be an object: " + err.Error()}
	}
	s, err := schema.Resolve(schemaName(toolName))
	if err != nil {
		return err
	}
	if err := schema.ValidateObject(s, object); err != nil {
		return &invalidArguments{message: err.Error()}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &invalidArguments{message: err.Error()}
	}
	return nil
}

func seconds(field string, value int) (time.Duration, error) {
	if value < 0 {
		return 0, &invalidArguments{message: fmt.Sprintf("%s must not be negative", field)}
	}
	return time.Duration(value) * time.Second, nil
}

func jsonResult(value any) (toolsCallResult, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return toolsCallResult{}, err
	}
	return textResult(string(data)), nil
}

func handleAskAgent(ctx context.Context, s *Server, raw json.RawMessage) (toolsCallResult, error) {
	var args askAgentArgs
	if err := decodeArguments("ask_agent", raw, &args); err != nil {
		return toolsCallResult{}, err
	}
	timeout, err := seconds("timeout", args.Timeout)
	if err != nil {
		return toolsCallResult{}, err
	}
	reply, err := s.backend.Ask(ctx, args.Agent, args.Message, timeout)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(reply.Text), nil
}

func handleAskAgents(ctx context.Context, s *Server, raw json.RawMessage) (toolsCallResult, error) {
	var args askAgentsArgs
	if err := decodeArguments("ask_agents", raw, &args); err != nil {
		return toolsCallResult{}, err
	}
	timeout, err := seconds("timeout", args.Timeout)
	if err != nil {
		return toolsCallResult{}, err
	}
	requests := make([]orchestrator.Request, 0, len(args.Requests))
	for idx, entry := range args.Requests {
		entryTimeout, err := seconds(fmt.Sprintf("requests[%d].timeout", idx), entry.Timeout)
		if err != nil {
			return toolsCallResult{}, err
		}
		requests = append(requests, orchestrator.Request{Agent: entry.Agent, Message: entry.Message, Timeout: entryTimeout})
	}
	results, err := s.backend.AskMany(ctx, requests, timeout)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(results)
}

func handleListAgents(ctx context.Context, s *Server, raw json.RawMessage) (toolsCallResult, error) {
	var args listAgentsArgs
	if err := decodeArguments("list_agents", raw, &args); err != nil {
		return toolsCallResult{}, err
	}
	states := make(map[string]orchestrator.State)
	for _, status := range s.backend.Statuses() {
		states[status.Agent] = status.State
	}
	descriptors := s.backend.Agents()
	summaries := make([]agentSummary, 0, len(descriptors))
	for _, descriptor := range descriptors {
		state, ok := states[descriptor.Name]
		if !ok {
			state = orchestrator.StateStopped
		}
		summaries = append(summaries, agentSummary{
			Name:        descriptor.Name,
			Description: descriptor.Description,
			Command:     descriptor.Command,
			Source:      descriptor.SourceName(),
			State:       state,
		})
	}
	return jsonResult(summaries)
}

func handleAgentStatus(ctx context.Context, s *Server, raw json.RawMessage) (toolsCallResult, error) {
	var args agentStatusArgs
	if err := decodeArguments("agent_status", raw, &args); err != nil {
		return toolsCallResult{}, err
	}
	if args.Agent == "" {
		return jsonResult(s.backend.Statuses())
	}
	status, err := s.backend.Status(args.Agent)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(status)
}

func handleStopAgent(ctx context.Context, s *Server, raw json.RawMessage) (toolsCallResult, error) {
	var args stopAgentArgs
	if err := decodeArguments("stop_agent", raw, &args); err != nil {
		return toolsCallResult{}, err
	}
	if err := s.backend.Stop(args.Agent); err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(fmt.Sprintf("stopped %s", args.Agent)), nil
}

func handleAgentHistory(ctx context.Context, s *Server, raw json.RawMessage) (toolsCallResult, error) {
	var args agentHistoryArgs
	if err := decodeArguments("agent_history", raw, &args); err != nil {
		return toolsCallResult{}, err
	}
	if args.Count < 0 {
		return toolsCallResult{}, &invalidArguments{message: "count must not be negative"}
	}
	entries, err := s.backend.History(args.Agent, args.Count)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(entries)
}
