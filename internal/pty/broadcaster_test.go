package pty

import (
	"fmt"
	"testing"
	"time"
)

func TestBroadcasterSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(64, 10)
	slow, cancelSlow := b.SubscribeSize(1)
	defer cancelSlow()
	fast, cancelFast := b.SubscribeSize(1000)
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Broadcast([]byte(fmt.Sprintf("%03d\n", i)))
		}
		close(done)
	}()
	waitClosed(t, done, time.Second)

	if got := len(fast); got != 500 {
		t.Fatalf("expected fast subscriber to get 500 chunks, got %d", got)
	}
	if got := len(slow); got != 1 {
		t.Fatalf("expected slow subscriber to hold 1 chunk, got %d", got)
	}
	if snap := b.Snapshot(); len(snap) != 64 || string(snap[len(snap)-4:]) != "499\n" {
		t.Fatalf("unexpected snapshot %q", snap)
	}
}

func TestBroadcasterAttachContinuesFromSnapshot(t *testing.T) {
	b := NewBroadcaster(1024, 10)
	b.Broadcast([]byte("before "))
	snapshot, ch, cancel := b.Attach(8)
	defer cancel()
	b.Broadcast([]byte("after"))

	if string(snapshot) != "before " {
		t.Fatalf("unexpected snapshot %q", snapshot)
	}
	if got := string(<-ch); got != "after" {
		t.Fatalf("unexpected live chunk %q", got)
	}
}

func TestBroadcasterCloseEndsSubscriptions(t *testing.T) {
	b := NewBroadcaster(16, 10)
	ch, cancel := b.Subscribe()
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	cancel()
	b.Broadcast([]byte("ignored"))
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers")
	}
}

func TestOutputBufferKeepsCarry(t *testing.T) {
	buf := NewOutputBuffer(2)
	buf.Append([]byte("one\r\ntwo\nthr"))
	buf.Append([]byte("ee\nfour"))
	lines := buf.Lines()
	if len(lines) != 3 || lines[0] != "two" || lines[1] != "three" || lines[2] != "four" {
		t.Fatalf("unexpected lines %q", lines)
	}
}
