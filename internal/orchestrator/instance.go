package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"ptybridge/internal/agent"
	"ptybridge/internal/event"
	"ptybridge/internal/logging"
	"ptybridge/internal/metrics"
	"ptybridge/internal/monitor"
	"ptybridge/internal/pty"
	"ptybridge/internal/sentinel"
	"ptybridge/internal/transcript"
	"ptybridge/internal/watcher"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateDead     State = "dead"
)

var transitions = map[State][]State{
	StateStopped:  {StateStarting, StateDead},
	StateStarting: {StateIdle, StateDead},
	StateIdle:     {StateBusy, StateDead},
	StateBusy:     {StateIdle, StateDead},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	outputTailLines = 12
	outputTailBytes = 2000
)

// Reply is the outcome of a completed turn.
type Reply struct {
	Agent    string
	Sentinel string
	Text     string
	// Fallback is set when the reply was taken after the settle period
	// without seeing the done marker.
	Fallback bool
	Duration time.Duration
}

type Status struct {
	Agent      string    `json:"agent"`
	InstanceID string    `json:"instance_id,omitempty"`
	State      State     `json:"state"`
	Source     string    `json:"source"`
	PID        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Queued     int       `json:"queued"`
	InFlight   string    `json:"in_flight,omitempty"`
	Abandoned  bool      `json:"abandoned,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorKind  Kind      `json:"error_kind,omitempty"`
}

type request struct {
	id        string
	message   string
	submitted time.Time
	result    chan outcome
	resolved  bool
}

type outcome struct {
	reply Reply
	err   error
}

type turn struct {
	req       *request
	writtenAt time.Time
	activity  uint64
	abandoned bool
}

type (
	askMsg     struct{ req *request }
	abandonMsg struct {
		req *request
		err *Error
	}
	startMsg struct{ result chan error }
	stopMsg  struct{}
)

type instanceConfig struct {
	descriptor      agent.Descriptor
	timeouts        agent.Timeouts
	maxStuck        time.Duration
	startRetries    int
	startRetryDelay time.Duration
	ptyOptions      pty.Options
	pollInterval    time.Duration
	watcher         watcher.Watch
	bus             *event.Bus[event.AgentEvent]
	metrics         *metrics.Registry
	logger          *logging.Logger
}

// Instance is one agent's state machine. All state below the inbox is
// owned by the run goroutine; callers only exchange messages with it.
type Instance struct {
	id         string
	name       string
	cfg        instanceConfig
	protocol   *sentinel.Protocol
	ready      *regexp.Regexp
	errorRes   []*regexp.Regexp
	transcript transcript.Provider
	line       pty.LineOptions
	ids        *sentinel.Generator
	logger     *logging.Logger

	inbox chan any
	done  chan struct{}

	state      State
	handle     *pty.Handle
	monitor    *monitor.Monitor
	monitorCh  <-chan monitor.Event
	queue      []*request
	current    *turn
	waiters    []chan error
	attempts   int
	startTimer *time.Timer
	retryTimer *time.Timer
	stuckTimer *time.Timer

	mu      sync.RWMutex
	status  Status
	live    *pty.Handle
	failure *Error
}

func newInstance(cfg instanceConfig) (*Instance, error) {
	descriptor := cfg.descriptor
	protocol, err := descriptor.Protocol()
	if err != nil {
		return nil, newError(KindInvalidRequest, descriptor.Name, "invalid prompt template", err)
	}
	ready, err := descriptor.ReadyRegexp()
	if err != nil {
		return nil, newError(KindInvalidRequest, descriptor.Name, "invalid ready pattern", err)
	}
	errorRes, err := descriptor.ErrorRegexps()
	if err != nil {
		return nil, newError(KindInvalidRequest, descriptor.Name, "invalid error pattern", err)
	}
	var provider transcript.Provider
	if descriptor.UsesTranscript() {
		provider, err = transcript.New(descriptor.TranscriptOptions())
		if err != nil {
			return nil, newError(KindInvalidRequest, descriptor.Name, "invalid transcript source", err)
		}
	}
	if cfg.logger == nil {
		cfg.logger = logging.Nop()
	}

	id := uuid.NewString()
	i := &Instance{
		id:         id,
		name:       descriptor.Name,
		cfg:        cfg,
		protocol:   protocol,
		ready:      ready,
		errorRes:   errorRes,
		transcript: provider,
		line:       descriptor.LineOptions(),
		ids:        sentinel.NewGenerator(),
		logger: cfg.logger.With(map[string]string{
			logging.FieldAgent: descriptor.Name,
			"instance_id":      id,
		}),
		inbox: make(chan any),
		done:  make(chan struct{}),
		state: StateStopped,
	}
	i.status = Status{Agent: i.name, InstanceID: id, State: StateStopped, Source: descriptor.SourceName()}
	go i.run()
	return i, nil
}

func (i *Instance) ID() string {
	return i.id
}

func (i *Instance) Name() string {
	return i.name
}

// Done closes when the instance reaches Dead.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

func (i *Instance) Dead() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// Handle returns the running process, or nil before start and after death.
func (i *Instance) Handle() *pty.Handle {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.live
}

// Err returns the error that killed the instance.
func (i *Instance) Err() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.failure == nil {
		return nil
	}
	return i.failure
}

// Ask queues message and waits for its reply. timeout is clamped to the
// agent's budget; zero selects the agent default.
func (i *Instance) Ask(ctx context.Context, message string, timeout time.Duration) (Reply, error) {
	if err := sentinel.ValidateMessage(message); err != nil {
		return Reply{}, newError(KindInvalidRequest, i.name, err.Error(), err)
	}
	timeout = i.cfg.timeouts.Clamp(timeout)
	req := &request{
		id:        i.ids.Next(),
		message:   message,
		submitted: time.Now(),
		result:    make(chan outcome, 1),
	}

	select {
	case i.inbox <- askMsg{req: req}:
	case <-i.done:
		return Reply{}, errNotAccepted
	case <-ctx.Done():
		return Reply{}, i.contextError(ctx.Err())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-req.result:
		return out.reply, out.err
	case <-timer.C:
		return i.abandon(req, newError(KindRequestTimeout, i.name, fmt.Sprintf("no reply within %s", timeout), context.DeadlineExceeded))
	case <-ctx.Done():
		return i.abandon(req, i.contextError(ctx.Err()))
	case <-i.done:
		out := <-req.result
		return out.reply, out.err
	}
}

// abandon hands the failure to the run loop, which resolves req unless a
// reply won the race.
func (i *Instance) abandon(req *request, err *Error) (Reply, error) {
	select {
	case i.inbox <- abandonMsg{req: req, err: err}:
	case <-i.done:
	}
	out := <-req.result
	return out.reply, out.err
}

func (i *Instance) contextError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindRequestTimeout, i.name, "caller deadline exceeded", err)
	}
	return newError(KindCancelled, i.name, "request cancelled", err)
}

// Start launches the agent if needed and waits until it is ready.
func (i *Instance) Start(ctx context.Context) error {
	result := make(chan error, 1)
	select {
	case i.inbox <- startMsg{result: result}:
	case <-i.done:
		return i.deadError()
	case <-ctx.Done():
		return i.contextError(ctx.Err())
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return i.contextError(ctx.Err())
	}
}

// Stop terminates the process and fails every outstanding request. It
// returns once the instance is Dead.
func (i *Instance) Stop() {
	select {
	case i.inbox <- stopMsg{}:
	case <-i.done:
	}
	<-i.done
}

func (i *Instance) deadError() error {
	if err := i.Err(); err != nil {
		return err
	}
	return newError(KindProcessDied, i.name, "agent is dead", nil)
}

func (i *Instance) run() {
	defer close(i.done)
	for i.state != StateDead {
		select {
		case msg := <-i.inbox:
			i.handleMessage(msg)
		case ev, ok := <-i.monitorCh:
			if !ok {
				i.monitorCh = nil
				continue
			}
			i.handleMonitorEvent(ev)
		case <-timerC(i.startTimer):
			i.startTimer = nil
			i.startTimedOut()
		case <-timerC(i.retryTimer):
			i.retryTimer = nil
			i.spawn()
		case <-timerC(i.stuckTimer):
			i.stuckTimer = nil
			i.releaseStuck()
		}
		i.updateStatus()
	}
}

func (i *Instance) handleMessage(msg any) {
	switch msg := msg.(type) {
	case askMsg:
		i.queue = append(i.queue, msg.req)
		switch i.state {
		case StateStopped:
			i.startAgent()
		case StateIdle:
			i.dispatch()
		default:
			i.publish(event.RequestQueued, msg.req.id, "")
		}
	case startMsg:
		switch i.state {
		case StateStopped:
			i.waiters = append(i.waiters, msg.result)
			i.startAgent()
		case StateStarting:
			i.waiters = append(i.waiters, msg.result)
		default:
			msg.result <- nil
		}
	case stopMsg:
		i.die(newError(KindProcessDied, i.name, "agent stopped", nil), "stopped")
	case abandonMsg:
		i.handleAbandon(msg.req, msg.err)
	}
}

func (i *Instance) startAgent() {
	i.attempts = 0
	i.setState(StateStarting)
	i.publish(event.AgentStarting, "", "")
	i.spawn()
}

func (i *Instance) spawn() {
	i.attempts++
	opts := i.cfg.ptyOptions
	opts.Logger = i.logger
	handle, err := pty.Spawn(i.cfg.descriptor.PtyCommand(), opts)
	if err != nil {
		i.die(newError(KindSpawnError, i.name, err.Error(), err), "spawn_error")
		return
	}
	i.handle = handle
	i.monitor = monitor.Start(monitor.Config{
		Source:        handle,
		Protocol:      i.protocol,
		ReadyPattern:  i.ready,
		ErrorPatterns: i.errorRes,
		Transcript:    i.transcript,
		Watcher:       i.cfg.watcher,
		Fallback:      monitor.FallbackPolicy(i.cfg.descriptor.FallbackPolicy()),
		Settle:        i.cfg.timeouts.Settle,
		PollInterval:  i.cfg.pollInterval,
		Logger:        i.logger,
	})
	i.monitorCh = i.monitor.Events()
	if i.cfg.timeouts.Startup > 0 {
		i.startTimer = time.NewTimer(i.cfg.timeouts.Startup)
	}
	i.cfg.metrics.IncAgentStart(i.name)

	i.mu.Lock()
	i.live = handle
	i.mu.Unlock()

	i.logger.Info("agent process started", map[string]string{
		"pid":     strconv.Itoa(handle.PID()),
		"attempt": strconv.Itoa(i.attempts),
		"command": i.cfg.descriptor.Command,
	})
}

func (i *Instance) handleMonitorEvent(ev monitor.Event) {
	switch ev.Kind {
	case monitor.KindReady:
		if i.state != StateStarting {
			return
		}
		stopTimer(&i.startTimer)
		i.setState(StateIdle)
		i.publish(event.AgentReady, "", "")
		i.logger.Info("agent ready", map[string]string{"attempt": strconv.Itoa(i.attempts)})
		for _, waiter := range i.waiters {
			waiter <- nil
		}
		i.waiters = nil
		i.dispatch()
	case monitor.KindStartupError:
		if i.state != StateStarting {
			return
		}
		i.die(newError(KindProcessDied, i.name, "agent reported startup error", nil), "startup_error")
	case monitor.KindReply:
		i.handleReply(ev)
	case monitor.KindExited:
		i.handleExit(ev.Err)
	}
}

func (i *Instance) handleReply(ev monitor.Event) {
	current := i.current
	if current == nil || current.req.id != ev.Sentinel {
		i.cfg.metrics.IncReplyDiscarded(i.name)
		i.logger.Debug("reply for unknown sentinel discarded", map[string]string{"sentinel": ev.Sentinel})
		return
	}
	if current.abandoned {
		i.cfg.metrics.IncReplyDiscarded(i.name)
		i.publish(event.TurnDiscarded, current.req.id, "late reply discarded")
		i.logger.Info("late reply discarded", map[string]string{"sentinel": current.req.id})
		i.finishTurn()
		return
	}
	i.resolve(current.req, outcome{reply: Reply{
		Agent:    i.name,
		Sentinel: current.req.id,
		Text:     ev.Text,
		Fallback: ev.Fallback,
		Duration: time.Since(current.req.submitted),
	}})
	i.publish(event.TurnCompleted, current.req.id, "")
	if ev.Fallback {
		i.logger.Debug("reply taken after settle without done marker", map[string]string{"sentinel": current.req.id})
	}
	i.finishTurn()
}

func (i *Instance) handleExit(exitErr error) {
	message := "agent process exited"
	var transcriptErr *monitor.TranscriptError
	if errors.As(exitErr, &transcriptErr) {
		message = transcriptErr.Error()
	} else if exitErr != nil {
		message = fmt.Sprintf("agent process exited: %v", exitErr)
	}
	if i.state == StateStarting {
		if i.retry(message) {
			return
		}
		i.die(newError(KindProcessDied, i.name, "agent exited during startup", exitErr), "exited")
		return
	}
	i.die(newError(KindProcessDied, i.name, message, exitErr), "exited")
}

func (i *Instance) startTimedOut() {
	if i.state != StateStarting {
		return
	}
	message := fmt.Sprintf("no readiness signal within %s", i.cfg.timeouts.Startup)
	if i.retry(message) {
		return
	}
	i.die(newError(KindStartTimeout, i.name, message, nil), "start_timeout")
}

// retry tears down the failed attempt and schedules another one when the
// budget allows.
func (i *Instance) retry(reason string) bool {
	if i.attempts > i.cfg.startRetries {
		return false
	}
	fields := map[string]string{
		"attempt": strconv.Itoa(i.attempts),
		"reason":  reason,
	}
	if tail := i.outputTail(); tail != "" {
		fields["output_tail"] = tail
	}
	i.logger.Warn("agent start failed, retrying", fields)
	stopTimer(&i.startTimer)
	i.teardownProcess()
	i.publish(event.AgentStartRetry, "", reason)
	i.retryTimer = time.NewTimer(i.cfg.startRetryDelay)
	return true
}

func (i *Instance) dispatch() {
	if i.state != StateIdle || i.current != nil || len(i.queue) == 0 {
		return
	}
	req := i.queue[0]
	i.queue = i.queue[1:]

	i.current = &turn{req: req, writtenAt: time.Now(), activity: i.monitor.Activity()}
	i.monitor.Expect(req.id)
	i.setState(StateBusy)
	i.publish(event.TurnStarted, req.id, "")

	if err := i.handle.WriteLine(i.protocol.Frame(req.id, req.message), i.line); err != nil {
		i.monitor.Disarm(req.id)
		i.current = nil
		kind := KindProcessDied
		if errors.Is(err, pty.ErrClosed) {
			kind = KindClosed
		}
		i.resolve(req, outcome{err: newError(kind, i.name, "write prompt failed", err)})
		i.setState(StateIdle)
		if kind != KindClosed {
			i.dispatch()
		}
	}
}

func (i *Instance) handleAbandon(req *request, err *Error) {
	if req.resolved {
		return
	}
	for idx, queued := range i.queue {
		if queued == req {
			i.queue = append(i.queue[:idx], i.queue[idx+1:]...)
			i.resolve(req, outcome{err: err})
			i.publish(event.RequestFailed, req.id, err.Error())
			return
		}
	}
	current := i.current
	if current == nil || current.req != req {
		return
	}
	i.resolve(req, outcome{err: err})
	current.abandoned = true
	i.publish(event.TurnTimedOut, req.id, err.Error())

	if err.Kind == KindRequestTimeout && i.monitor.Activity() == current.activity {
		i.die(newError(KindProcessDied, i.name, "agent produced no output after the prompt", nil), "unresponsive")
		return
	}
	i.logger.Warn("request abandoned, waiting for late reply", map[string]string{
		"sentinel": req.id,
		"kind":     string(err.Kind),
	})
	remaining := time.Until(current.writtenAt.Add(i.cfg.maxStuck))
	if remaining < 0 {
		remaining = 0
	}
	stopTimer(&i.stuckTimer)
	i.stuckTimer = time.NewTimer(remaining)
}

// releaseStuck interrupts an abandoned turn that never finished so the
// agent can take the next request.
func (i *Instance) releaseStuck() {
	current := i.current
	if current == nil || !current.abandoned {
		return
	}
	if err := i.handle.Write([]byte(i.cfg.descriptor.InterruptSequence())); err != nil {
		i.logger.Warn("interrupt write failed", map[string]string{logging.FieldError: err.Error()})
	}
	i.monitor.Disarm(current.req.id)
	i.publish(event.TurnReleased, current.req.id, "")
	i.logger.Warn("stuck turn interrupted", map[string]string{
		"sentinel": current.req.id,
		"elapsed":  time.Since(current.writtenAt).Round(time.Millisecond).String(),
	})
	i.finishTurn()
}

func (i *Instance) finishTurn() {
	stopTimer(&i.stuckTimer)
	i.current = nil
	i.setState(StateIdle)
	i.dispatch()
}

func (i *Instance) resolve(req *request, out outcome) {
	if req.resolved {
		return
	}
	req.resolved = true
	req.result <- out

	result := "success"
	if out.err != nil {
		result = string(KindOf(out.err))
	}
	i.cfg.metrics.IncAsk(i.name, result)
	i.cfg.metrics.ObserveAsk(i.name, time.Since(req.submitted))
}

// die is the only way into Dead. Every waiter and request still held by
// the instance is resolved with err.
func (i *Instance) die(err *Error, reason string) {
	if i.state == StateDead {
		return
	}
	fields := map[string]string{
		logging.FieldError: err.Error(),
		"reason":           reason,
	}
	if tail := i.outputTail(); tail != "" {
		fields["output_tail"] = tail
	}

	stopTimer(&i.startTimer)
	stopTimer(&i.retryTimer)
	stopTimer(&i.stuckTimer)
	i.teardownProcess()

	for _, waiter := range i.waiters {
		waiter <- err
	}
	i.waiters = nil
	if i.current != nil {
		i.resolve(i.current.req, outcome{err: err})
		i.current = nil
	}
	for _, req := range i.queue {
		i.resolve(req, outcome{err: err})
	}
	i.queue = nil

	i.mu.Lock()
	i.failure = err
	i.mu.Unlock()
	i.setState(StateDead)
	i.cfg.metrics.IncAgentDeath(i.name, reason)
	i.publish(event.AgentDead, "", err.Error())
	if reason == "stopped" {
		i.logger.Info("agent stopped", nil)
	} else {
		i.logger.Warn("agent dead", fields)
	}
}

func (i *Instance) teardownProcess() {
	if i.monitor != nil {
		i.monitor.Close()
		i.monitor = nil
		i.monitorCh = nil
	}
	if i.handle != nil {
		if err := i.handle.Terminate(); err != nil {
			i.logger.Debug("terminate failed", map[string]string{logging.FieldError: err.Error()})
		}
		i.handle = nil
	}
	i.mu.Lock()
	i.live = nil
	i.mu.Unlock()
}

func (i *Instance) outputTail() string {
	if i.handle == nil {
		return ""
	}
	return pty.OutputTail(i.handle.OutputLines(), outputTailLines, outputTailBytes)
}

func (i *Instance) setState(next State) {
	if i.state == next {
		return
	}
	if !canTransition(i.state, next) {
		i.logger.Error("invalid state transition", map[string]string{
			"from": string(i.state),
			"to":   string(next),
		})
		return
	}
	i.logger.Debug("state changed", map[string]string{
		"from": string(i.state),
		"to":   string(next),
	})
	i.state = next
	i.updateStatus()
}

func (i *Instance) updateStatus() {
	status := Status{
		Agent:      i.name,
		InstanceID: i.id,
		State:      i.state,
		Source:     i.cfg.descriptor.SourceName(),
		Queued:     len(i.queue),
	}
	if i.handle != nil {
		status.PID = i.handle.PID()
		status.StartedAt = i.handle.StartedAt()
	}
	if i.current != nil {
		status.InFlight = i.current.req.id
		status.Abandoned = i.current.abandoned
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.failure != nil {
		status.LastError = i.failure.Error()
		status.ErrorKind = i.failure.Kind
	}
	i.status = status
}

func (i *Instance) publish(eventType, sentinelID, message string) {
	if i.cfg.bus == nil {
		return
	}
	agentEvent := event.NewAgentEvent(i.name, i.id, eventType)
	agentEvent.State = string(i.state)
	agentEvent.Sentinel = sentinelID
	agentEvent.Message = message
	i.cfg.bus.Publish(agentEvent)
}

func timerC(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}

func stopTimer(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}
