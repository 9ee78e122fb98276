//go:build !windows

package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"ptybridge/internal/agent"
)

const echoAgentEnv = "PTYBRIDGE_TEST_ECHO_AGENT"

func TestMain(m *testing.M) {
	if os.Getenv(echoAgentEnv) == "1" {
		runEchoAgent()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runEchoAgent answers framed prompts with the reversed message. A
// "sleep:N " prefix delays the answer by N seconds.
func runEchoAgent() {
	fmt.Print("echo-agent ready\n> ")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		match := askPattern.FindStringSubmatch(scanner.Text())
		if match == nil {
			fmt.Print("> ")
			continue
		}
		id, message := match[1], match[2]
		if rest, ok := strings.CutPrefix(message, "sleep:"); ok {
			seconds, after, _ := strings.Cut(rest, " ")
			if n, err := strconv.Atoi(seconds); err == nil {
				time.Sleep(time.Duration(n) * time.Second)
			}
			message = after
		}
		fmt.Printf("%s\n[done:%s]\n> ", reverse(message), id)
	}
}

func newEchoManager(t *testing.T) *Manager {
	t.Helper()
	executable, err := os.Executable()
	if err != nil {
		t.Skipf("test executable unavailable: %v", err)
	}
	return newTestManager(t, nil, map[string]agent.Descriptor{
		"echo-agent": {
			Command:      executable,
			Env:          map[string]string{echoAgentEnv: "1"},
			ReadyPattern: "echo-agent ready",
			Fallback:     agent.FallbackNone,
		},
		"broken": {Command: "/nonexistent/ptybridge-test-agent"},
	}, func(opts *Options) {
		opts.Timeouts.Startup = 10 * time.Second
	})
}

func TestEchoAgentRepliesReversed(t *testing.T) {
	manager := newEchoManager(t)
	if err := manager.Start(context.Background(), "echo-agent"); err != nil {
		t.Fatalf("start: %v", err)
	}

	reply, err := manager.Ask(context.Background(), "echo-agent", "hello", 2*time.Second)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if reply.Text != "olleh" {
		t.Fatalf("expected olleh, got %q", reply.Text)
	}
	handle, ok := manager.Handle("echo-agent")
	if !ok || !strings.Contains(string(handle.Snapshot()), "olleh") {
		t.Fatalf("expected reply in terminal history")
	}
}

func TestParallelAskWithSpawnFailure(t *testing.T) {
	manager := newEchoManager(t)

	results, err := manager.AskMany(context.Background(), []Request{
		{Agent: "broken", Message: "hi"},
		{Agent: "echo-agent", Message: "parallel"},
	}, 10*time.Second)
	if err != nil {
		t.Fatalf("ask many: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Agent != "broken" || results[0].Success || results[0].ErrorKind != KindSpawnError {
		t.Fatalf("unexpected broken result %+v", results[0])
	}
	if results[1].Agent != "echo-agent" || !results[1].Success || results[1].Response != "lellarap" {
		t.Fatalf("unexpected echo result %+v", results[1])
	}
}

func TestSlowReplyTimesOutAndAgentStaysUsable(t *testing.T) {
	manager := newEchoManager(t)
	if err := manager.Start(context.Background(), "echo-agent"); err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	_, err := manager.Ask(context.Background(), "echo-agent", "sleep:3 slow", time.Second)
	requireKind(t, err, KindRequestTimeout)
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("timeout after %s, expected about 1s", elapsed)
	}

	reply, err := manager.Ask(context.Background(), "echo-agent", "again", 10*time.Second)
	if err != nil {
		t.Fatalf("ask after timeout: %v", err)
	}
	if reply.Text != "niaga" {
		t.Fatalf("expected niaga, got %q", reply.Text)
	}
	status, _ := manager.Status("echo-agent")
	if status.State == StateDead {
		t.Fatalf("agent should survive a slow reply: %+v", status)
	}
}

func TestExternalKillFailsPendingRequest(t *testing.T) {
	manager := newEchoManager(t)
	if err := manager.Start(context.Background(), "echo-agent"); err != nil {
		t.Fatalf("start: %v", err)
	}
	handle, ok := manager.Handle("echo-agent")
	if !ok || handle.PID() <= 0 {
		t.Fatalf("expected a running process")
	}

	result := make(chan error, 1)
	go func() {
		_, err := manager.Ask(context.Background(), "echo-agent", "sleep:5 doomed", 10*time.Second)
		result <- err
	}()
	waitForState(t, manager, "echo-agent", StateBusy)

	if err := syscall.Kill(handle.PID(), syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case err := <-result:
		requireKind(t, err, KindProcessDied)
	case <-time.After(5 * time.Second):
		t.Fatalf("pending request not failed after kill")
	}
	waitForState(t, manager, "echo-agent", StateDead)
}
