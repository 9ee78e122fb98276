package event

import (
	"testing"
	"time"
)

// ReceiveWithTimeout waits for a single event or fails the test.
func ReceiveWithTimeout[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return event
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event after %s", timeout)
	}
	var zero T
	return zero
}

// WaitForType drains ch until an event of eventType arrives or the timeout
// elapses.
func WaitForType[T Event](t testing.TB, ch <-chan T, eventType string, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed before %s", eventType)
			}
			if event.Type() == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s after %s", eventType, timeout)
		}
	}
}
