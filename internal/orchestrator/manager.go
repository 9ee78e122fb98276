package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ptybridge/internal/agent"
	"ptybridge/internal/event"
	"ptybridge/internal/logging"
	"ptybridge/internal/metrics"
	"ptybridge/internal/pty"
	"ptybridge/internal/transcript"
	"ptybridge/internal/watcher"
)

const (
	// MaxBatch is the largest number of requests AskMany accepts.
	MaxBatch            = 4
	DefaultHistoryCount = 10

	defaultMaxStuck = 5 * time.Minute
)

// Options wires a Manager. Zero durations fall back to package defaults.
type Options struct {
	Registry        *agent.Registry
	Timeouts        agent.Timeouts
	MaxStuck        time.Duration
	StartRetries    int
	StartRetryDelay time.Duration
	BufferBytes     int
	BufferLines     int
	TerminateGrace  time.Duration
	PollInterval    time.Duration
	Factory         pty.Factory
	Watcher         watcher.Watch
	Bus             *event.Bus[event.AgentEvent]
	Metrics         *metrics.Registry
	Logger          *logging.Logger
}

// Request is one entry of a batch ask.
type Request struct {
	Agent   string        `json:"agent"`
	Message string        `json:"message"`
	Timeout time.Duration `json:"-"`
}

// Result reports one batch entry. Exactly one of Response or Error is set.
type Result struct {
	Agent     string `json:"agent"`
	Success   bool   `json:"success"`
	Response  string `json:"response,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind Kind   `json:"error_kind,omitempty"`
}

// Manager owns at most one Instance per agent name and routes requests to
// them. Instances never share state; mu only guards the map.
type Manager struct {
	registry *agent.Registry
	opts     Options
	bus      *event.Bus[event.AgentEvent]
	ownsBus  bool
	logger   *logging.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	closed    bool
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	registry := opts.Registry
	if registry == nil {
		registry, _ = agent.NewRegistry()
	}
	defaults := agent.Timeouts{Default: 10 * time.Minute, Max: time.Hour, Startup: 30 * time.Second}
	if opts.Timeouts.Default <= 0 {
		opts.Timeouts.Default = defaults.Default
	}
	if opts.Timeouts.Max <= 0 {
		opts.Timeouts.Max = defaults.Max
	}
	if opts.Timeouts.Startup <= 0 {
		opts.Timeouts.Startup = defaults.Startup
	}
	if opts.MaxStuck <= 0 {
		opts.MaxStuck = defaultMaxStuck
	}
	if opts.StartRetries < 0 {
		opts.StartRetries = 0
	}

	bus := opts.Bus
	ownsBus := false
	if bus == nil {
		bus = event.NewBus[event.AgentEvent](context.Background(), event.BusOptions{
			Name:        "agent_events",
			HistorySize: 256,
			Registry:    opts.Metrics,
		})
		ownsBus = true
	}
	return &Manager{
		registry:  registry,
		opts:      opts,
		bus:       bus,
		ownsBus:   ownsBus,
		logger:    logger.Component("orchestrator"),
		instances: make(map[string]*Instance),
	}
}

// Events is the bus carrying agent lifecycle events.
func (m *Manager) Events() *event.Bus[event.AgentEvent] {
	return m.bus
}

// Agents lists the configured descriptors sorted by name.
func (m *Manager) Agents() []agent.Descriptor {
	return m.registry.Snapshot()
}

func (m *Manager) descriptor(name string) (agent.Descriptor, error) {
	descriptor, ok := m.registry.Get(name)
	if !ok {
		return agent.Descriptor{}, newError(KindUnknownAgent, name, fmt.Sprintf("unknown agent %q", name), nil)
	}
	return descriptor, nil
}

// instance returns the live instance for name, creating a fresh one when
// none exists or the previous one is dead.
func (m *Manager) instance(name string) (*Instance, error) {
	descriptor, err := m.descriptor(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, newError(KindClosed, name, errManagerClosed.Error(), errManagerClosed)
	}
	if existing := m.instances[name]; existing != nil && !existing.Dead() {
		return existing, nil
	}
	created, err := newInstance(instanceConfig{
		descriptor:      descriptor,
		timeouts:        descriptor.Timeouts(m.opts.Timeouts),
		maxStuck:        m.opts.MaxStuck,
		startRetries:    m.opts.StartRetries,
		startRetryDelay: m.opts.StartRetryDelay,
		ptyOptions: pty.Options{
			Factory:             m.opts.Factory,
			BufferBytes:         m.opts.BufferBytes,
			BufferLines:         m.opts.BufferLines,
			TerminateGrace:      m.opts.TerminateGrace,
			AnswerCursorQueries: true,
		},
		pollInterval: m.opts.PollInterval,
		watcher:      m.opts.Watcher,
		bus:          m.bus,
		metrics:      m.opts.Metrics,
		logger:       m.logger,
	})
	if err != nil {
		return nil, err
	}
	m.instances[name] = created
	return created, nil
}

func (m *Manager) existing(name string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[name]
}

// Ask sends message to the named agent, starting it when needed, and waits
// for the reply or timeout. A zero timeout selects the agent default.
func (m *Manager) Ask(ctx context.Context, name, message string, timeout time.Duration) (Reply, error) {
	for attempt := 0; attempt < 2; attempt++ {
		inst, err := m.instance(name)
		if err != nil {
			return Reply{}, err
		}
		reply, err := inst.Ask(ctx, message, timeout)
		if errors.Is(err, errNotAccepted) {
			continue
		}
		return reply, err
	}
	return Reply{}, newError(KindProcessDied, name, "agent died before accepting the request", errNotAccepted)
}

// AskMany dispatches 1..MaxBatch requests concurrently. Entries fail
// independently and results keep the order of requests. A positive timeout
// bounds the whole batch: entry timeouts are capped by it and entries still
// waiting when it elapses report RequestTimeout.
func (m *Manager) AskMany(ctx context.Context, requests []Request, timeout time.Duration) ([]Result, error) {
	if len(requests) == 0 || len(requests) > MaxBatch {
		return nil, newError(KindInvalidRequest, "", fmt.Sprintf("batch must contain 1 to %d requests, got %d", MaxBatch, len(requests)), nil)
	}
	batchCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	results := make([]Result, len(requests))
	var group errgroup.Group
	group.SetLimit(MaxBatch)
	for idx, req := range requests {
		group.Go(func() error {
			reply, err := m.Ask(batchCtx, req.Agent, req.Message, entryTimeout(req.Timeout, timeout))
			results[idx] = resultFor(req.Agent, reply, err)
			return nil
		})
	}
	_ = group.Wait()
	return results, nil
}

// entryTimeout picks the tighter of an entry's own timeout and the shared
// one. Zero means unset.
func entryTimeout(own, shared time.Duration) time.Duration {
	switch {
	case own <= 0:
		return shared
	case shared <= 0:
		return own
	default:
		return min(own, shared)
	}
}

func resultFor(agentName string, reply Reply, err error) Result {
	if err != nil {
		return Result{Agent: agentName, Error: err.Error(), ErrorKind: KindOf(err)}
	}
	return Result{Agent: agentName, Success: true, Response: reply.Text, Fallback: reply.Fallback}
}

// Start launches the agent and waits until it is ready.
func (m *Manager) Start(ctx context.Context, name string) error {
	inst, err := m.instance(name)
	if err != nil {
		return err
	}
	return inst.Start(ctx)
}

// Stop terminates the agent. Stopping an agent that is not running is a
// no-op.
func (m *Manager) Stop(name string) error {
	if _, err := m.descriptor(name); err != nil {
		return err
	}
	inst := m.existing(name)
	if inst == nil || inst.Dead() {
		return nil
	}
	inst.Stop()
	return nil
}

func (m *Manager) Status(name string) (Status, error) {
	descriptor, err := m.descriptor(name)
	if err != nil {
		return Status{}, err
	}
	if inst := m.existing(name); inst != nil {
		return inst.Status(), nil
	}
	return Status{Agent: name, State: StateStopped, Source: descriptor.SourceName()}, nil
}

// Statuses reports every configured agent, including ones never started.
func (m *Manager) Statuses() []Status {
	names := m.registry.Names()
	out := make([]Status, 0, len(names))
	for _, name := range names {
		status, err := m.Status(name)
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	return out
}

// Handle returns the running process of name for viewers.
func (m *Manager) Handle(name string) (*pty.Handle, bool) {
	inst := m.existing(name)
	if inst == nil {
		return nil, false
	}
	handle := inst.Handle()
	return handle, handle != nil
}

// History returns the last count transcript entries of a transcript-mode
// agent. The agent does not need to be running.
func (m *Manager) History(name string, count int) ([]transcript.Entry, error) {
	descriptor, err := m.descriptor(name)
	if err != nil {
		return nil, err
	}
	if !descriptor.UsesTranscript() {
		return nil, newError(KindInvalidRequest, name, "agent reads replies from the terminal and keeps no transcript", nil)
	}
	if count <= 0 {
		count = DefaultHistoryCount
	}
	var provider transcript.Provider
	if inst := m.existing(name); inst != nil && inst.transcript != nil {
		provider = inst.transcript
	} else if provider, err = transcript.New(descriptor.TranscriptOptions()); err != nil {
		return nil, newError(KindInvalidRequest, name, "invalid transcript source", err)
	}
	entries, err := provider.History(count)
	if errors.Is(err, transcript.ErrNoTranscript) {
		return []transcript.Entry{}, nil
	}
	return entries, err
}

// Shutdown stops every instance. Later calls return immediately.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.Unlock()

	var group errgroup.Group
	for _, inst := range instances {
		group.Go(func() error {
			inst.Stop()
			return nil
		})
	}
	stopped := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.ownsBus {
		m.bus.Close()
	}
	m.logger.Info("orchestrator stopped", map[string]string{"instances": strconv.Itoa(len(instances))})
	return nil
}
